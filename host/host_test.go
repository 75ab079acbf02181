package host

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/hcd/hal/sim"
	"github.com/ardnew/softhcd/pkg"
)

// =============================================================================
// Test Fixture
// =============================================================================

const eventTimeout = time.Second

type fixture struct {
	t      *testing.T
	ctrl   *sim.Controller
	alloc  *sim.Allocator
	port   *hcd.Port
	host   *Host
	dev    *sim.Device
	events chan hcd.PortEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctrl:   sim.New(sim.Options{}),
		alloc:  &sim.Allocator{},
		events: make(chan hcd.PortEvent, 16),
	}

	drv, err := hcd.Install(hcd.Config{HAL: f.ctrl, Allocator: f.alloc, Runtime: f.ctrl})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	port, err := drv.PortInit(hcd.PortNumber, hcd.PortConfig{
		Callback: hcd.PortCallbackFunc(func(p *hcd.Port, ev hcd.PortEvent, inISR bool) bool {
			select {
			case f.events <- ev:
			default:
			}
			return false
		}),
	})
	if err != nil {
		t.Fatalf("PortInit() error = %v", err)
	}
	if err := port.Command(hcd.PortCmdPowerOn); err != nil {
		t.Fatalf("Command(power on) error = %v", err)
	}
	f.port = port
	f.host = New(port)
	return f
}

func (f *fixture) expectEvent(want hcd.PortEvent) {
	f.t.Helper()
	select {
	case got := <-f.events:
		if got != want {
			f.t.Fatalf("port callback event = %v, want %v", got, want)
		}
	case <-time.After(eventTimeout):
		f.t.Fatalf("timed out waiting for port event %v", want)
	}
}

// awaitEvent waits for want, skipping any other events reported first.
func (f *fixture) awaitEvent(want hcd.PortEvent) {
	f.t.Helper()
	timeout := time.After(eventTimeout)
	for {
		select {
		case got := <-f.events:
			if got == want {
				return
			}
		case <-timeout:
			f.t.Fatalf("timed out waiting for port event %v", want)
		}
	}
}

// handle runs the host's event handler and checks the event it handled.
func (f *fixture) handle(want hcd.PortEvent) error {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev, err := f.host.HandleEvent(ctx)
	if ev != want {
		f.t.Fatalf("HandleEvent() = %v, want %v", ev, want)
	}
	return err
}

// attach connects an emulated device and enumerates it.
func (f *fixture) attach(cfg sim.DeviceConfig) *Device {
	f.t.Helper()
	f.dev = sim.NewDevice(cfg)
	f.ctrl.Connect(f.dev)
	f.expectEvent(hcd.PortEventConnection)
	if err := f.handle(hcd.PortEventConnection); err != nil {
		f.t.Fatalf("HandleEvent() error = %v", err)
	}
	dev := f.host.Device()
	if dev == nil {
		f.t.Fatal("Device() = nil after enumeration")
	}
	return dev
}

func widget() sim.DeviceConfig {
	return sim.DeviceConfig{
		Speed:     hal.SpeedFull,
		VendorID:  0x1209,
		ProductID: 0x0001,
		BulkIn:    0x81,
		BulkOut:   0x02,
		Product:   "Widget",
	}
}

// heldChannel waits for a transfer to park on the controller.
func (f *fixture) heldChannel() int {
	f.t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		for ch := 0; ch < sim.DefaultNumChannels; ch++ {
			if f.ctrl.Channel(ch).Held {
				return ch
			}
		}
		time.Sleep(time.Millisecond)
	}
	f.t.Fatal("timed out waiting for a held channel")
	return -1
}

func (f *fixture) openBulk(dev *Device, addr uint8) *BulkPipe {
	f.t.Helper()
	p, err := dev.OpenBulk(addr)
	if err != nil {
		f.t.Fatalf("OpenBulk(0x%02X) error = %v", addr, err)
	}
	return p
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestHost_EnumeratesConnectedDevice(t *testing.T) {
	f := newFixture(t)

	var connected *Device
	f.host.SetOnDeviceConnect(func(d *Device) { connected = d })

	dev := f.attach(widget())
	if connected != dev {
		t.Error("connect callback did not receive the enumerated device")
	}

	if got := f.port.State(); got != hcd.PortStateEnabled {
		t.Errorf("port State() = %v, want %v", got, hcd.PortStateEnabled)
	}
	if got := dev.Address(); got != 1 {
		t.Errorf("Address() = %d, want 1", got)
	}
	if got := f.dev.Address(); got != 1 {
		t.Errorf("emulated device address = %d, want 1", got)
	}
	if got := dev.State(); got != DeviceStateConfigured {
		t.Errorf("State() = %v, want %v", got, DeviceStateConfigured)
	}
	if got := f.dev.Configuration(); got != 1 {
		t.Errorf("emulated device configuration = %d, want 1", got)
	}
	if got := dev.GetConfiguration(); got != 1 {
		t.Errorf("GetConfiguration() = %d, want 1", got)
	}
	if got := dev.VendorID(); got != 0x1209 {
		t.Errorf("VendorID() = 0x%04X, want 0x1209", got)
	}
	if got := dev.ProductID(); got != 0x0001 {
		t.Errorf("ProductID() = 0x%04X, want 0x0001", got)
	}
	if got := dev.Product(); got != "Widget" {
		t.Errorf("Product() = %q, want %q", got, "Widget")
	}
	if got := dev.Manufacturer(); got != "" {
		t.Errorf("Manufacturer() = %q, want empty", got)
	}
	if got := len(dev.Interfaces()); got != 1 {
		t.Errorf("len(Interfaces()) = %d, want 1", got)
	}
	if got := len(dev.Endpoints()); got != 2 {
		t.Fatalf("len(Endpoints()) = %d, want 2", got)
	}
	if ep := dev.GetEndpoint(0x81); ep == nil || !ep.IsBulk() || !ep.IsIn() {
		t.Errorf("GetEndpoint(0x81) = %+v, want bulk IN", ep)
	}
	if dev.Port() != f.port {
		t.Error("Port() does not return the root port")
	}

	status, err := dev.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status != 0 {
		t.Errorf("GetStatus() = 0x%04X, want 0", status)
	}
}

func TestHost_EnumerationSpeeds(t *testing.T) {
	tests := []struct {
		speed hal.Speed
		mps0  uint8
	}{
		{hal.SpeedFull, 64},
		{hal.SpeedLow, 8},
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			f := newFixture(t)
			dev := f.attach(sim.DeviceConfig{Speed: tt.speed})
			if got := dev.Speed(); got != tt.speed {
				t.Errorf("Speed() = %v, want %v", got, tt.speed)
			}
			if got := dev.Descriptor().MaxPacketSize0; got != tt.mps0 {
				t.Errorf("MaxPacketSize0 = %d, want %d", got, tt.mps0)
			}
			if got := dev.State(); got != DeviceStateConfigured {
				t.Errorf("State() = %v, want %v", got, DeviceStateConfigured)
			}
		})
	}
}

// The first GET_DESCRIPTOR at address 0 must be limited to 8 bytes.
func TestHost_EnumerationSequence(t *testing.T) {
	f := newFixture(t)
	f.attach(widget())

	var setups []hal.SetupPacket
	for _, tr := range f.ctrl.Trace() {
		if tr.Setup && tr.Result == hal.ChannelErrorNone {
			setups = append(setups, tr.Request)
		}
	}

	want := []struct {
		request uint8
		value   uint16
		length  uint16
	}{
		{RequestGetDescriptor, uint16(DescriptorTypeDevice) << 8, 8},
		{RequestSetAddress, 1, 0},
		{RequestGetDescriptor, uint16(DescriptorTypeDevice) << 8, DeviceDescriptorSize},
		{RequestGetDescriptor, uint16(DescriptorTypeConfiguration) << 8, ConfigurationDescriptorSize},
		{RequestGetDescriptor, uint16(DescriptorTypeConfiguration) << 8, 32},
		{RequestGetDescriptor, uint16(DescriptorTypeString)<<8 | 2, MaxDescriptorSize},
		{RequestSetConfiguration, 1, 0},
	}
	if len(setups) != len(want) {
		t.Fatalf("got %d setup packets, want %d: %+v", len(setups), len(want), setups)
	}
	for i, w := range want {
		s := setups[i]
		if s.Request != w.request || s.Value != w.value || s.Length != w.length {
			t.Errorf("setup[%d] = {Request: 0x%02X, Value: 0x%04X, Length: %d}, want {0x%02X, 0x%04X, %d}",
				i, s.Request, s.Value, s.Length, w.request, w.value, w.length)
		}
	}
}

func TestHost_EnumerationFailureReleasesPipe(t *testing.T) {
	f := newFixture(t)
	f.dev = sim.NewDevice(widget())
	f.ctrl.Connect(f.dev)
	f.expectEvent(hcd.PortEventConnection)
	f.ctrl.SetHold(true)

	errc := make(chan error, 1)
	go func() {
		_, err := f.host.HandleEvent(context.Background())
		errc <- err
	}()

	ch := f.heldChannel()
	f.ctrl.SetHold(false)
	f.ctrl.Fail(ch, hal.ChannelErrorStall)

	var err error
	select {
	case err = <-errc:
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for enumeration")
	}
	if !errors.Is(err, ErrEnumerationFailed) {
		t.Errorf("HandleEvent() error = %v, want %v", err, ErrEnumerationFailed)
	}
	if !errors.Is(err, pkg.ErrStall) {
		t.Errorf("HandleEvent() error = %v, want %v", err, pkg.ErrStall)
	}
	if f.host.Device() != nil {
		t.Error("Device() != nil after failed enumeration")
	}
	if idle, queued := f.port.NumPipes(); idle+queued != 0 {
		t.Errorf("NumPipes() = %d, %d, want 0, 0", idle, queued)
	}
	if got := f.ctrl.NumAllocated(); got != 0 {
		t.Errorf("allocated channels = %d, want 0", got)
	}
	if got := f.alloc.Outstanding(); got != 0 {
		t.Errorf("outstanding descriptor lists = %d, want 0", got)
	}

	// The device can be enumerated again.
	if _, err := f.host.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
}

func TestHost_EnumerateTwice(t *testing.T) {
	f := newFixture(t)
	f.attach(widget())
	if _, err := f.host.Enumerate(context.Background()); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Enumerate() error = %v, want %v", err, pkg.ErrInvalidState)
	}
}

func TestHost_AllocateAddress(t *testing.T) {
	h := New(nil)
	if got := h.allocateAddress(); got != 1 {
		t.Errorf("allocateAddress() = %d, want 1", got)
	}
	if got := h.allocateAddress(); got != 2 {
		t.Errorf("allocateAddress() = %d, want 2", got)
	}

	h.nextAddress = MaxAddress
	if got := h.allocateAddress(); got != MaxAddress {
		t.Errorf("allocateAddress() = %d, want %d", got, MaxAddress)
	}
	if got := h.allocateAddress(); got != 1 {
		t.Errorf("allocateAddress() after wrap = %d, want 1", got)
	}
}

func TestHost_SetCallbacks(t *testing.T) {
	h := New(nil)
	h.SetOnDeviceConnect(func(d *Device) {})
	h.SetOnDeviceDisconnect(func(d *Device) {})

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.onDeviceConnect == nil {
		t.Error("onDeviceConnect not set")
	}
	if h.onDeviceDisconnect == nil {
		t.Error("onDeviceDisconnect not set")
	}
}

// =============================================================================
// Port Fault Tests
// =============================================================================

func TestHost_PortFaultDetachesDevice(t *testing.T) {
	tests := []struct {
		name     string
		stimulus func(c *sim.Controller)
		want     hcd.PortEvent
		// reconnect is true when the device is still attached afterwards.
		reconnect bool
	}{
		{"sudden disconnection", func(c *sim.Controller) { c.Disconnect() }, hcd.PortEventSuddenDisconnection, false},
		{"port error", func(c *sim.Controller) { c.Fault() }, hcd.PortEventError, true},
		{"overcurrent", func(c *sim.Controller) { c.Overcurrent() }, hcd.PortEventOvercurrent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var disconnected *Device
			f.host.SetOnDeviceDisconnect(func(d *Device) { disconnected = d })

			dev := f.attach(widget())
			in := f.openBulk(dev, 0x81)

			tt.stimulus(f.ctrl)
			f.expectEvent(tt.want)
			if err := f.handle(tt.want); err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}

			if f.host.Device() != nil {
				t.Error("Device() != nil after fault")
			}
			if disconnected != dev {
				t.Error("disconnect callback did not receive the device")
			}
			if got := dev.State(); got != DeviceStateDetached {
				t.Errorf("State() = %v, want %v", got, DeviceStateDetached)
			}
			if _, err := dev.GetStatus(context.Background()); !errors.Is(err, pkg.ErrNoDevice) {
				t.Errorf("GetStatus() on detached device error = %v, want %v", err, pkg.ErrNoDevice)
			}
			if idle, queued := f.port.NumPipes(); idle+queued != 0 {
				t.Errorf("NumPipes() = %d, %d, want 0, 0", idle, queued)
			}
			if got := f.ctrl.Status().SoftResets; got != 1 {
				t.Errorf("soft resets = %d, want 1", got)
			}
			if !f.ctrl.Status().Powered {
				t.Error("port not powered after recovery")
			}
			if _, err := in.Read(context.Background(), make([]byte, 8)); err == nil {
				t.Error("Read() on detached pipe succeeded")
			}

			if !tt.reconnect {
				if got := f.port.State(); got != hcd.PortStateDisconnected {
					t.Errorf("port State() = %v, want %v", got, hcd.PortStateDisconnected)
				}
				return
			}

			// The device is enumerated again at the next address.
			f.awaitEvent(hcd.PortEventConnection)
			if err := f.handle(hcd.PortEventConnection); err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}
			again := f.host.Device()
			if again == nil || again == dev {
				t.Fatal("device was not enumerated again")
			}
			if got := again.Address(); got != 2 {
				t.Errorf("Address() = %d, want 2", got)
			}
		})
	}
}

func TestHost_HandleEventNone(t *testing.T) {
	f := newFixture(t)
	if err := f.handle(hcd.PortEventNone); err != nil {
		t.Errorf("HandleEvent() error = %v", err)
	}
}

// =============================================================================
// Device Tests
// =============================================================================

func TestDevice_Getters(t *testing.T) {
	dev := &Device{
		address: 5,
		speed:   hal.SpeedFull,
		descriptor: DeviceDescriptor{
			VendorID:          0x1234,
			ProductID:         0x5678,
			DeviceClass:       0x02,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
		},
	}
	dev.strings[1] = "Test Manufacturer"
	dev.strings[2] = "Test Product"
	dev.strings[3] = "12345"

	if got := dev.Address(); got != 5 {
		t.Errorf("Address() = %d, want 5", got)
	}
	if got := dev.Speed(); got != hal.SpeedFull {
		t.Errorf("Speed() = %v, want %v", got, hal.SpeedFull)
	}
	if got := dev.VendorID(); got != 0x1234 {
		t.Errorf("VendorID() = 0x%04X, want 0x1234", got)
	}
	if got := dev.ProductID(); got != 0x5678 {
		t.Errorf("ProductID() = 0x%04X, want 0x5678", got)
	}
	if got := dev.DeviceClass(); got != 0x02 {
		t.Errorf("DeviceClass() = 0x%02X, want 0x02", got)
	}
	if got := dev.Manufacturer(); got != "Test Manufacturer" {
		t.Errorf("Manufacturer() = %q, want %q", got, "Test Manufacturer")
	}
	if got := dev.Product(); got != "Test Product" {
		t.Errorf("Product() = %q, want %q", got, "Test Product")
	}
	if got := dev.SerialNumber(); got != "12345" {
		t.Errorf("SerialNumber() = %q, want %q", got, "12345")
	}
}

func TestDevice_GetString(t *testing.T) {
	dev := &Device{}
	dev.strings[1] = "Test String"

	if got := dev.GetString(1); got != "Test String" {
		t.Errorf("GetString(1) = %q, want %q", got, "Test String")
	}
	if got := dev.GetString(0); got != "" {
		t.Errorf("GetString(0) = %q, want empty", got)
	}
	if got := dev.GetString(255); got != "" {
		t.Errorf("GetString(255) = %q, want empty", got)
	}
}

func TestDevice_ControlTransferValidation(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())

	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      DeviceDescriptorSize,
	}
	if _, err := dev.ControlTransfer(context.Background(), &setup, make([]byte, 4)); !errors.Is(err, pkg.ErrInvalidArg) {
		t.Errorf("ControlTransfer() with short buffer error = %v, want %v", err, pkg.ErrInvalidArg)
	}

	// An unknown request stalls; the default pipe keeps working afterwards.
	bad := hal.SetupPacket{RequestType: RequestTypeVendor, Request: 0x42}
	if _, err := dev.ControlTransfer(context.Background(), &bad, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("ControlTransfer() vendor request error = %v, want %v", err, pkg.ErrStall)
	}
	buf := make([]byte, DeviceDescriptorSize)
	n, err := dev.ControlTransfer(context.Background(), &setup, buf)
	if err != nil {
		t.Fatalf("ControlTransfer() after stall error = %v", err)
	}
	if n != DeviceDescriptorSize || buf[1] != DescriptorTypeDevice {
		t.Errorf("ControlTransfer() = %d bytes, type 0x%02X", n, buf[1])
	}
}

func TestDevice_OpenBulkErrors(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())
	dev.endpoints = append(dev.endpoints, EndpointDescriptor{
		Length: EndpointDescriptorSize, DescriptorType: DescriptorTypeEndpoint,
		EndpointAddress: 0x83, Attributes: 0x03, MaxPacketSize: 8, Interval: 10,
	})

	tests := []struct {
		name    string
		address uint8
		want    error
	}{
		{"missing endpoint", 0x85, pkg.ErrNotFound},
		{"interrupt endpoint", 0x83, pkg.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.OpenBulk(tt.address); !errors.Is(err, tt.want) {
				t.Errorf("OpenBulk(0x%02X) error = %v, want %v", tt.address, err, tt.want)
			}
		})
	}

	dev.setState(DeviceStateAddress)
	if _, err := dev.OpenBulk(0x81); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("OpenBulk() on unconfigured device error = %v, want %v", err, pkg.ErrInvalidState)
	}
}

// =============================================================================
// Bulk Transfer Tests
// =============================================================================

func TestBulkPipe_ReadWrite(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())
	in := f.openBulk(dev, 0x81)
	out := f.openBulk(dev, 0x02)
	ctx := context.Background()

	if in.Device() != dev {
		t.Error("Device() does not return the owning device")
	}
	if got := in.Endpoint().EndpointAddress; got != 0x81 {
		t.Errorf("Endpoint().EndpointAddress = 0x%02X, want 0x81", got)
	}

	f.dev.QueueIn(0x81, []byte("hello"))
	buf := make([]byte, 64)
	n, err := in.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("Read() = %q, want %q", buf[:n], "hello")
	}

	payload := bytes.Repeat([]byte{0xA5}, 100)
	n, err = out.Write(ctx, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(payload) {
		t.Errorf("Write() = %d, want %d", n, len(payload))
	}
	if got := f.dev.Received(0x02); !bytes.Equal(got, payload) {
		t.Errorf("device received %d bytes, want %d", len(got), len(payload))
	}

	if err := in.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := out.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if idle, queued := f.port.NumPipes(); idle != 1 || queued != 0 {
		t.Errorf("NumPipes() = %d, %d, want 1, 0", idle, queued)
	}
}

func TestBulkPipe_DirectionChecks(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())
	in := f.openBulk(dev, 0x81)
	out := f.openBulk(dev, 0x02)
	ctx := context.Background()

	if _, err := in.Write(ctx, []byte{1}); !errors.Is(err, pkg.ErrInvalidArg) {
		t.Errorf("Write() on IN pipe error = %v, want %v", err, pkg.ErrInvalidArg)
	}
	if _, err := out.Read(ctx, make([]byte, 1)); !errors.Is(err, pkg.ErrInvalidArg) {
		t.Errorf("Read() on OUT pipe error = %v, want %v", err, pkg.ErrInvalidArg)
	}
}

func TestBulkPipe_StallThenClearHalt(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())
	in := f.openBulk(dev, 0x81)
	ctx := context.Background()

	f.dev.SetStall(0x81, true)
	if _, err := in.Read(ctx, make([]byte, 8)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("Read() on stalled endpoint error = %v, want %v", err, pkg.ErrStall)
	}
	if got := in.e.pipe.State(); got != hcd.PipeStateActive {
		t.Errorf("pipe State() after stall = %v, want %v", got, hcd.PipeStateActive)
	}

	if err := dev.ClearEndpointHalt(ctx, 0x81); err != nil {
		t.Fatalf("ClearEndpointHalt() error = %v", err)
	}
	f.dev.QueueIn(0x81, []byte{1, 2, 3})
	buf := make([]byte, 8)
	n, err := in.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read() after ClearEndpointHalt error = %v", err)
	}
	if n != 3 {
		t.Errorf("Read() = %d, want 3", n)
	}
}

func TestBulkPipe_CancelQueued(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())
	in := f.openBulk(dev, 0x81)
	f.ctrl.SetHold(true)

	// The first read occupies the channel so the second stays queued.
	first := make(chan error, 1)
	go func() {
		_, err := in.Read(context.Background(), make([]byte, 8))
		first <- err
	}()
	ch := f.heldChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := in.Read(ctx, make([]byte, 8)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if pending, done, inflight := in.e.pipe.NumRequests(); pending != 0 || done != 0 || !inflight {
		t.Errorf("NumRequests() after cancel = %d, %d, %v, want 0, 0, true", pending, done, inflight)
	}

	f.ctrl.SetHold(false)
	f.dev.QueueIn(0x81, []byte("ok"))
	f.ctrl.Complete(ch)
	select {
	case err := <-first:
		if err != nil {
			t.Errorf("first Read() error = %v", err)
		}
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for first Read")
	}
}

func TestBulkPipe_CancelInflight(t *testing.T) {
	f := newFixture(t)
	dev := f.attach(widget())
	in := f.openBulk(dev, 0x81)
	f.ctrl.SetHold(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := in.Read(ctx, make([]byte, 8))
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Read() error = %v, want %v and %v", err, pkg.ErrTimeout, context.DeadlineExceeded)
	}

	// The abandoned request still owns the channel until it finishes.
	ch := in.e.pipe.Channel()
	if !f.ctrl.Channel(ch).Held {
		t.Fatal("in-flight transfer is no longer parked")
	}
	f.ctrl.SetHold(false)
	f.dev.QueueIn(0x81, []byte("late"))
	f.ctrl.Complete(ch)
	if pending, done, inflight := in.e.pipe.NumRequests(); pending != 0 || done != 0 || inflight {
		t.Errorf("NumRequests() after completion = %d, %d, %v, want 0, 0, false", pending, done, inflight)
	}

	f.dev.QueueIn(0x81, []byte("next"))
	buf := make([]byte, 8)
	n, err := in.Read(context.Background(), buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("next")) {
		t.Errorf("Read() = %q, want %q", buf[:n], "next")
	}
}

func TestBulkPipe_AbandonedFailureClearsPipe(t *testing.T) {
	tests := []struct {
		name string
		err  hal.ChannelError
		// queued starts the next read before the abandoned one fails.
		queued bool
	}{
		{"stall", hal.ChannelErrorStall, false},
		{"transaction error", hal.ChannelErrorXact, false},
		{"stall with read queued", hal.ChannelErrorStall, true},
		{"babble with read queued", hal.ChannelErrorBabble, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			dev := f.attach(widget())
			in := f.openBulk(dev, 0x81)
			f.ctrl.SetHold(true)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if _, err := in.Read(ctx, make([]byte, 8)); !errors.Is(err, pkg.ErrTimeout) {
				t.Fatalf("Read() error = %v, want %v", err, pkg.ErrTimeout)
			}
			ch := in.e.pipe.Channel()
			f.ctrl.SetHold(false)
			f.dev.QueueIn(0x81, []byte("next"))

			type result struct {
				data []byte
				err  error
			}
			next := make(chan result, 1)
			read := func() {
				buf := make([]byte, 8)
				n, err := in.Read(context.Background(), buf)
				next <- result{buf[:n], err}
			}

			if tt.queued {
				go read()
				deadline := time.Now().Add(eventTimeout)
				for {
					if pending, _, _ := in.e.pipe.NumRequests(); pending == 1 {
						break
					}
					if time.Now().After(deadline) {
						t.Fatal("timed out waiting for second read to queue")
					}
					time.Sleep(time.Millisecond)
				}
				f.ctrl.Fail(ch, tt.err)
			} else {
				f.ctrl.Fail(ch, tt.err)
				if got := in.e.pipe.State(); got != hcd.PipeStateHalted {
					t.Fatalf("pipe State() after failure = %v, want %v", got, hcd.PipeStateHalted)
				}
				go read()
			}

			select {
			case r := <-next:
				if r.err != nil {
					t.Fatalf("Read() after abandoned failure error = %v", r.err)
				}
				if !bytes.Equal(r.data, []byte("next")) {
					t.Errorf("Read() = %q, want %q", r.data, "next")
				}
			case <-time.After(eventTimeout):
				t.Fatal("Read() after abandoned failure never completed")
			}
			if got := in.e.pipe.State(); got != hcd.PipeStateActive {
				t.Errorf("pipe State() = %v, want %v", got, hcd.PipeStateActive)
			}
		})
	}
}
