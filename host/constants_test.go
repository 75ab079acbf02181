package host

import (
	"errors"
	"testing"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// =============================================================================
// Default Packet Size Tests
// =============================================================================

func TestDefaultMaxPacketSize0(t *testing.T) {
	tests := []struct {
		speed    hal.Speed
		expected uint8
	}{
		{hal.SpeedLow, 8},
		{hal.SpeedFull, 64},
		{hal.SpeedUnknown, 8},
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			if got := defaultMaxPacketSize0(tt.speed); got != tt.expected {
				t.Errorf("defaultMaxPacketSize0() = %d, want %d", got, tt.expected)
			}
		})
	}
}

// =============================================================================
// DeviceState Tests
// =============================================================================

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state    DeviceState
		expected string
	}{
		{DeviceStateDetached, "Detached"},
		{DeviceStateAttached, "Attached"},
		{DeviceStateDefault, "Default"},
		{DeviceStateAddress, "Address"},
		{DeviceStateConfigured, "Configured"},
		{DeviceStateSuspended, "Suspended"},
		{DeviceState(255), "Unknown State (255)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("DeviceState.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// =============================================================================
// Descriptor Parsing Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		18, 0x01, // Length, Type
		0x00, 0x02, // USB Version 2.0 (little-endian)
		0x00, 0x00, 0x00, // Class, SubClass, Protocol
		64,         // MaxPacketSize0
		0x34, 0x12, // VendorID (little-endian)
		0x78, 0x56, // ProductID (little-endian)
		0x01, 0x00, // DeviceVersion
		1, 2, 3, // Manufacturer, Product, SerialNumber indices
		1, // NumConfigurations
	}

	var desc DeviceDescriptor
	if err := ParseDeviceDescriptor(data, &desc); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}

	if desc.Length != 18 {
		t.Errorf("Length = %d, want 18", desc.Length)
	}
	if desc.DescriptorType != 0x01 {
		t.Errorf("DescriptorType = 0x%02X, want 0x01", desc.DescriptorType)
	}
	if desc.USBVersion != 0x0200 {
		t.Errorf("USBVersion = 0x%04X, want 0x0200", desc.USBVersion)
	}
	if desc.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", desc.MaxPacketSize0)
	}
	if desc.VendorID != 0x1234 {
		t.Errorf("VendorID = 0x%04X, want 0x1234", desc.VendorID)
	}
	if desc.ProductID != 0x5678 {
		t.Errorf("ProductID = 0x%04X, want 0x5678", desc.ProductID)
	}
	if desc.ManufacturerIndex != 1 {
		t.Errorf("ManufacturerIndex = %d, want 1", desc.ManufacturerIndex)
	}
	if desc.ProductIndex != 2 {
		t.Errorf("ProductIndex = %d, want 2", desc.ProductIndex)
	}
	if desc.SerialNumberIndex != 3 {
		t.Errorf("SerialNumberIndex = %d, want 3", desc.SerialNumberIndex)
	}
	if desc.NumConfigurations != 1 {
		t.Errorf("NumConfigurations = %d, want 1", desc.NumConfigurations)
	}
}

func TestParseDeviceDescriptor_TooShort(t *testing.T) {
	data := make([]byte, DeviceDescriptorSize-1)
	var desc DeviceDescriptor
	if err := ParseDeviceDescriptor(data, &desc); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("ParseDeviceDescriptor() error = %v, want %v", err, pkg.ErrDescriptorTooShort)
	}
}

func TestParseConfigurationDescriptor(t *testing.T) {
	data := []byte{
		9, 0x02, // Length, Type
		0x20, 0x00, // TotalLength (little-endian)
		2,    // NumInterfaces
		1,    // ConfigurationValue
		4,    // ConfigurationIndex
		0xA0, // Attributes
		50,   // MaxPower
	}

	var desc ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(data, &desc); err != nil {
		t.Fatalf("ParseConfigurationDescriptor() error = %v", err)
	}

	if desc.Length != 9 {
		t.Errorf("Length = %d, want 9", desc.Length)
	}
	if desc.TotalLength != 0x0020 {
		t.Errorf("TotalLength = %d, want 32", desc.TotalLength)
	}
	if desc.NumInterfaces != 2 {
		t.Errorf("NumInterfaces = %d, want 2", desc.NumInterfaces)
	}
	if desc.ConfigurationValue != 1 {
		t.Errorf("ConfigurationValue = %d, want 1", desc.ConfigurationValue)
	}
}

func TestParseConfigurationDescriptor_TooShort(t *testing.T) {
	data := make([]byte, ConfigurationDescriptorSize-1)
	var desc ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(data, &desc); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("ParseConfigurationDescriptor() error = %v, want %v", err, pkg.ErrDescriptorTooShort)
	}
}

func TestParseInterfaceDescriptor(t *testing.T) {
	data := []byte{
		9, 0x04, // Length, Type
		0,    // InterfaceNumber
		0,    // AlternateSetting
		2,    // NumEndpoints
		0x02, // InterfaceClass (CDC)
		0x02, // InterfaceSubClass
		0x01, // InterfaceProtocol
		5,    // InterfaceIndex
	}

	var desc InterfaceDescriptor
	if err := ParseInterfaceDescriptor(data, &desc); err != nil {
		t.Fatalf("ParseInterfaceDescriptor() error = %v", err)
	}

	if desc.InterfaceNumber != 0 {
		t.Errorf("InterfaceNumber = %d, want 0", desc.InterfaceNumber)
	}
	if desc.NumEndpoints != 2 {
		t.Errorf("NumEndpoints = %d, want 2", desc.NumEndpoints)
	}
	if desc.InterfaceClass != 0x02 {
		t.Errorf("InterfaceClass = 0x%02X, want 0x02", desc.InterfaceClass)
	}
}

func TestParseInterfaceDescriptor_TooShort(t *testing.T) {
	data := make([]byte, InterfaceDescriptorSize-1)
	var desc InterfaceDescriptor
	if err := ParseInterfaceDescriptor(data, &desc); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("ParseInterfaceDescriptor() error = %v, want %v", err, pkg.ErrDescriptorTooShort)
	}
}

func TestParseEndpointDescriptor(t *testing.T) {
	data := []byte{
		7, 0x05, // Length, Type
		0x81,       // EndpointAddress (EP1 IN)
		0x02,       // Attributes (Bulk)
		0x00, 0x02, // MaxPacketSize (512)
		0, // Interval
	}

	var desc EndpointDescriptor
	if err := ParseEndpointDescriptor(data, &desc); err != nil {
		t.Fatalf("ParseEndpointDescriptor() error = %v", err)
	}

	if desc.EndpointAddress != 0x81 {
		t.Errorf("EndpointAddress = 0x%02X, want 0x81", desc.EndpointAddress)
	}
	if desc.Attributes != 0x02 {
		t.Errorf("Attributes = 0x%02X, want 0x02", desc.Attributes)
	}
	if desc.MaxPacketSize != 512 {
		t.Errorf("MaxPacketSize = %d, want 512", desc.MaxPacketSize)
	}
}

func TestParseEndpointDescriptor_TooShort(t *testing.T) {
	data := make([]byte, EndpointDescriptorSize-1)
	var desc EndpointDescriptor
	if err := ParseEndpointDescriptor(data, &desc); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("ParseEndpointDescriptor() error = %v, want %v", err, pkg.ErrDescriptorTooShort)
	}
}

func TestParseDescriptor_TypeMismatch(t *testing.T) {
	tests := []struct {
		name  string
		parse func([]byte) error
		size  int
		// descType is deliberately wrong for the parser.
		descType uint8
	}{
		{"Device", func(b []byte) error { var d DeviceDescriptor; return ParseDeviceDescriptor(b, &d) }, DeviceDescriptorSize, DescriptorTypeConfiguration},
		{"Configuration", func(b []byte) error { var d ConfigurationDescriptor; return ParseConfigurationDescriptor(b, &d) }, ConfigurationDescriptorSize, DescriptorTypeDevice},
		{"Interface", func(b []byte) error { var d InterfaceDescriptor; return ParseInterfaceDescriptor(b, &d) }, InterfaceDescriptorSize, DescriptorTypeEndpoint},
		{"Endpoint", func(b []byte) error { var d EndpointDescriptor; return ParseEndpointDescriptor(b, &d) }, EndpointDescriptorSize, DescriptorTypeInterface},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			data[0] = byte(tt.size)
			data[1] = tt.descType
			if err := tt.parse(data); !errors.Is(err, pkg.ErrDescriptorTypeMismatch) {
				t.Errorf("Parse%sDescriptor() error = %v, want %v", tt.name, err, pkg.ErrDescriptorTypeMismatch)
			}
		})
	}
}

func TestEndpointDescriptor_Methods(t *testing.T) {
	tests := []struct {
		name     string
		desc     EndpointDescriptor
		number   uint8
		isIn     bool
		xferType hal.TransferType
		isBulk   bool
	}{
		{
			name:   "BulkIN",
			desc:   EndpointDescriptor{EndpointAddress: 0x81, Attributes: 0x02},
			number: 1, isIn: true, xferType: hal.TransferBulk, isBulk: true,
		},
		{
			name:   "BulkOUT",
			desc:   EndpointDescriptor{EndpointAddress: 0x02, Attributes: 0x02},
			number: 2, xferType: hal.TransferBulk, isBulk: true,
		},
		{
			name:   "InterruptIN",
			desc:   EndpointDescriptor{EndpointAddress: 0x83, Attributes: 0x03},
			number: 3, isIn: true, xferType: hal.TransferInterrupt,
		},
		{
			name:   "IsochronousIN",
			desc:   EndpointDescriptor{EndpointAddress: 0x84, Attributes: 0x05},
			number: 4, isIn: true, xferType: hal.TransferIsochronous,
		},
		{
			name:   "ControlOUT",
			desc:   EndpointDescriptor{EndpointAddress: 0x00, Attributes: 0x00},
			number: 0, xferType: hal.TransferControl,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Number(); got != tt.number {
				t.Errorf("Number() = %d, want %d", got, tt.number)
			}
			if got := tt.desc.IsIn(); got != tt.isIn {
				t.Errorf("IsIn() = %v, want %v", got, tt.isIn)
			}
			if got := tt.desc.TransferType(); got != tt.xferType {
				t.Errorf("TransferType() = %v, want %v", got, tt.xferType)
			}
			if got := tt.desc.IsBulk(); got != tt.isBulk {
				t.Errorf("IsBulk() = %v, want %v", got, tt.isBulk)
			}
		})
	}
}

func TestEndpointDescriptor_HALDescriptor(t *testing.T) {
	desc := EndpointDescriptor{EndpointAddress: 0x81, Attributes: 0x02, MaxPacketSize: 64, Interval: 4}
	got := desc.halDescriptor()
	want := hal.EndpointDescriptor{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64, Interval: 4}
	if *got != want {
		t.Errorf("halDescriptor() = %+v, want %+v", *got, want)
	}
}

// =============================================================================
// Configuration Tree Tests
// =============================================================================

func TestParseConfigurationTree(t *testing.T) {
	data := []byte{
		9, 0x02, 39, 0, 1, 1, 0, 0x80, 50, // configuration
		9, 0x04, 0, 0, 2, 0x02, 0x02, 0x01, 0, // interface 0
		5, 0x24, 0x00, 0x10, 0x01, // class-specific header
		7, 0x05, 0x81, 0x02, 64, 0, 0, // bulk IN
		7, 0x05, 0x02, 0x02, 64, 0, 0, // bulk OUT
		2, 0xFF, // trailing vendor descriptor
	}

	var d Device
	if err := d.parseConfigurationTree(data); err != nil {
		t.Fatalf("parseConfigurationTree() error = %v", err)
	}
	if got := len(d.Interfaces()); got != 1 {
		t.Fatalf("len(Interfaces()) = %d, want 1", got)
	}
	if got := len(d.Endpoints()); got != 2 {
		t.Fatalf("len(Endpoints()) = %d, want 2", got)
	}
	if ep := d.GetEndpoint(0x02); ep == nil || ep.MaxPacketSize != 64 {
		t.Errorf("GetEndpoint(0x02) = %+v, want MaxPacketSize 64", ep)
	}
	if d.GetEndpoint(0x83) != nil {
		t.Error("GetEndpoint(0x83) != nil")
	}
	if d.GetInterface(0) == nil {
		t.Error("GetInterface(0) = nil")
	}
	class := d.ClassDescriptors(0)
	if len(class) != 2 {
		t.Fatalf("len(ClassDescriptors(0)) = %d, want 2", len(class))
	}
	if class[0][1] != 0x24 {
		t.Errorf("ClassDescriptors(0)[0] type = 0x%02X, want 0x24", class[0][1])
	}
	if d.ClassDescriptors(MaxInterfacesPerConfiguration) != nil {
		t.Error("ClassDescriptors() out of range != nil")
	}
}

func TestParseConfigurationTree_BadEndpoint(t *testing.T) {
	data := []byte{
		9, 0x02, 21, 0, 1, 1, 0, 0x80, 50,
		9, 0x04, 0, 0, 1, 0xFF, 0, 0, 0,
		3, 0x05, 0x81, // endpoint cut short
	}

	var d Device
	if err := d.parseConfigurationTree(data); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("parseConfigurationTree() error = %v, want %v", err, pkg.ErrDescriptorTooShort)
	}
}

// =============================================================================
// String Descriptor Tests
// =============================================================================

func TestDecodeString(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"Empty", nil, ""},
		{"HeaderOnly", []byte{2, 0x03}, ""},
		{"ASCII", []byte{8, 0x03, 'a', 0, 'b', 0, 'c', 0}, "abc"},
		{"NonASCIIDropped", []byte{8, 0x03, 'a', 0, 0xE9, 0x00, 0x3A, 0x26}, "a"},
		{"LengthBeyondData", []byte{20, 0x03, 'x', 0}, "x"},
		{"LengthShorterThanData", []byte{4, 0x03, 'x', 0, 'y', 0}, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeString(tt.data); got != tt.expected {
				t.Errorf("decodeString() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkDeviceState_String(b *testing.B) {
	states := []DeviceState{DeviceStateDetached, DeviceStateAttached, DeviceStateDefault, DeviceStateAddress, DeviceStateConfigured, DeviceStateSuspended}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = states[i%len(states)].String()
	}
}

func BenchmarkParseDeviceDescriptor(b *testing.B) {
	data := []byte{
		18, 0x01,
		0x00, 0x02,
		0x00, 0x00, 0x00,
		64,
		0x34, 0x12,
		0x78, 0x56,
		0x01, 0x00,
		1, 2, 3,
		1,
	}
	var desc DeviceDescriptor
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseDeviceDescriptor(data, &desc)
	}
}

func BenchmarkParseConfigurationDescriptor(b *testing.B) {
	data := []byte{9, 0x02, 0x20, 0x00, 2, 1, 4, 0xA0, 50}
	var desc ConfigurationDescriptor
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseConfigurationDescriptor(data, &desc)
	}
}

func BenchmarkParseInterfaceDescriptor(b *testing.B) {
	data := []byte{9, 0x04, 0, 0, 2, 0x02, 0x02, 0x01, 5}
	var desc InterfaceDescriptor
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseInterfaceDescriptor(data, &desc)
	}
}

func BenchmarkParseEndpointDescriptor(b *testing.B) {
	data := []byte{7, 0x05, 0x81, 0x02, 0x00, 0x02, 0}
	var desc EndpointDescriptor
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseEndpointDescriptor(data, &desc)
	}
}

func BenchmarkEndpointDescriptor_Number(b *testing.B) {
	desc := EndpointDescriptor{EndpointAddress: 0x81}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = desc.Number()
	}
}

func BenchmarkEndpointDescriptor_TransferType(b *testing.B) {
	desc := EndpointDescriptor{Attributes: 0x02}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = desc.TransferType()
	}
}

func BenchmarkEndpointDescriptor_IsIn(b *testing.B) {
	desc := EndpointDescriptor{EndpointAddress: 0x81}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = desc.IsIn()
	}
}

func BenchmarkEndpointDescriptor_IsBulk(b *testing.B) {
	desc := EndpointDescriptor{Attributes: 0x02}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = desc.IsBulk()
	}
}
