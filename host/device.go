package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host    *Host
	address uint8
	speed   hal.Speed

	// Default control pipe
	ep0 *endpoint

	// Device descriptor
	descriptor DeviceDescriptor

	// Configuration descriptor (current)
	config ConfigurationDescriptor

	// Interface descriptors (current configuration)
	interfaces []InterfaceDescriptor

	// Endpoint descriptors (current configuration)
	endpoints []EndpointDescriptor

	// Current configuration value
	configurationValue uint8

	// State
	state DeviceState
	bulk  []*BulkPipe
	mutex sync.RWMutex

	// String descriptors cache (indexed by string index)
	strings [MaxStringsPerDevice]string

	// Class-specific descriptors per interface
	classDescriptors [MaxInterfacesPerConfiguration][][]byte
}

// newDevice creates a device at the default address.
func newDevice(host *Host, speed hal.Speed, ep0 *endpoint) *Device {
	return &Device{
		host:  host,
		speed: speed,
		ep0:   ep0,
		state: DeviceStateDefault,
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Port returns the root port the device is connected to.
func (d *Device) Port() *hcd.Port {
	return d.host.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// DeviceClass returns the device class.
func (d *Device) DeviceClass() uint8 {
	return d.descriptor.DeviceClass
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the current configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// Interfaces returns the interface descriptors for the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// Endpoints returns the endpoint descriptors for the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Endpoints() []EndpointDescriptor {
	return d.endpoints
}

// ClassDescriptors returns the class-specific descriptors that followed
// interface i in the configuration descriptor.
func (d *Device) ClassDescriptors(i int) [][]byte {
	if i < 0 || i >= MaxInterfacesPerConfiguration {
		return nil
	}
	return d.classDescriptors[i]
}

// GetInterface returns the interface descriptor for the given interface number.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor for the given address.
func (d *Device) GetEndpoint(address uint8) *EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].EndpointAddress == address {
			return &d.endpoints[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// SetConfiguration sets the device configuration.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}

	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()

	return nil
}

// GetConfiguration returns the current configuration value.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ControlTransfer performs a control transfer on the default pipe. data
// holds the data stage and must be at least setup.Length bytes. It returns
// the number of data stage bytes transferred.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if d.State() == DeviceStateDetached {
		return 0, pkg.ErrNoDevice
	}
	return d.ep0.control(ctx, setup, data)
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}

	return d.ControlTransfer(ctx, &setup, data)
}

// GetStatus performs a GET_STATUS request.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}

	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}

	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ClearFeature performs a CLEAR_FEATURE request.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// SetFeature performs a SET_FEATURE request.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ClearEndpointHalt clears the halt condition on an endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// OpenBulk opens a pipe on bulk endpoint address of the current
// configuration.
func (d *Device) OpenBulk(address uint8) (*BulkPipe, error) {
	if d.State() != DeviceStateConfigured {
		return nil, pkg.ErrInvalidState
	}
	desc := d.GetEndpoint(address)
	if desc == nil {
		return nil, fmt.Errorf("%w: endpoint 0x%02X", pkg.ErrNotFound, address)
	}
	if !desc.IsBulk() {
		return nil, fmt.Errorf("%w: endpoint 0x%02X is %s", pkg.ErrNotSupported, address, desc.TransferType())
	}

	e, err := openEndpoint(d.host.port, hcd.PipeConfig{
		Endpoint: desc.halDescriptor(),
		DevAddr:  d.Address(),
		DevSpeed: d.speed,
	})
	if err != nil {
		return nil, err
	}
	p := &BulkPipe{device: d, ep: *desc, e: e}

	d.mutex.Lock()
	d.bulk = append(d.bulk, p)
	d.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHost, "bulk pipe opened",
		"address", d.Address(), "endpoint", address)
	return p, nil
}

// forget drops p from the device's open pipes.
func (d *Device) forget(p *BulkPipe) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for i, q := range d.bulk {
		if q == p {
			d.bulk = append(d.bulk[:i], d.bulk[i+1:]...)
			return
		}
	}
}

// Close releases every pipe held for the device and marks it detached.
func (d *Device) Close() error {
	d.mutex.Lock()
	if d.state == DeviceStateDetached {
		d.mutex.Unlock()
		return nil
	}
	d.state = DeviceStateDetached
	bulk := d.bulk
	d.bulk = nil
	d.mutex.Unlock()

	var errs []error
	for _, p := range bulk {
		errs = append(errs, p.e.close())
	}
	errs = append(errs, d.ep0.close())
	return errors.Join(errs...)
}

// parseConfigurationTree parses the full configuration descriptor tree.
func (d *Device) parseConfigurationTree(data []byte) error {
	if err := ParseConfigurationDescriptor(data, &d.config); err != nil {
		return err
	}

	d.interfaces = make([]InterfaceDescriptor, 0, d.config.NumInterfaces)
	d.endpoints = make([]EndpointDescriptor, 0, MaxEndpointsPerInterface)
	for i := range d.classDescriptors {
		d.classDescriptors[i] = nil
	}

	// Parse child descriptors
	offset := ConfigurationDescriptorSize
	currentIfaceIdx := -1

	for offset < len(data) && offset < int(d.config.TotalLength) {
		if offset+2 > len(data) {
			break
		}

		length := int(data[offset])
		descType := data[offset+1]

		if length < 2 || offset+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if err := ParseInterfaceDescriptor(data[offset:], &iface); err != nil {
				return err
			}
			d.interfaces = append(d.interfaces, iface)
			currentIfaceIdx = len(d.interfaces) - 1

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if err := ParseEndpointDescriptor(data[offset:], &ep); err != nil {
				return err
			}
			d.endpoints = append(d.endpoints, ep)

		default:
			// Class-specific or other descriptor
			if currentIfaceIdx >= 0 && currentIfaceIdx < MaxInterfacesPerConfiguration {
				descData := make([]byte, length)
				copy(descData, data[offset:offset+length])
				d.classDescriptors[currentIfaceIdx] = append(
					d.classDescriptors[currentIfaceIdx], descData)
			}
		}

		offset += length
	}
	return nil
}
