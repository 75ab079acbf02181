package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerateDevice performs the USB enumeration sequence on the enabled
// port. The returned device is configured with its first configuration.
func (h *Host) enumerateDevice(ctx context.Context) (*Device, error) {
	speed, err := h.port.Speed()
	if err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "speed", speed)

	// Default pipe at address 0 with the smallest packet size for the speed
	ep0, err := openEndpoint(h.port, hcd.PipeConfig{DevSpeed: speed})
	if err != nil {
		return nil, err
	}
	dev := newDevice(h, speed, ep0)

	if err := h.enumerateSteps(ctx, dev); err != nil {
		_ = ep0.close()
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	return dev, nil
}

func (h *Host) enumerateSteps(ctx context.Context, dev *Device) error {
	var buf [MaxDescriptorSize]byte

	// Read the first 8 bytes of the device descriptor to get bMaxPacketSize0
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return err
	}
	if n < 8 {
		return fmt.Errorf("%w: %d byte device descriptor", pkg.ErrShortTransfer, n)
	}

	maxPacketSize0 := buf[7]
	if maxPacketSize0 == 0 {
		maxPacketSize0 = defaultMaxPacketSize0(dev.speed)
	}
	if err := dev.ep0.pipe.Update(0, int(maxPacketSize0)); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", maxPacketSize0)

	address := h.allocateAddress()
	if address == 0 {
		return ErrNoAddress
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := dev.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}
	if err := dev.ep0.pipe.Update(address, int(maxPacketSize0)); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	dev.mutex.Lock()
	dev.address = address
	dev.state = DeviceStateAddress
	dev.mutex.Unlock()

	// Now read full device descriptor using the new address
	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return err
	}
	if err := ParseDeviceDescriptor(buf[:n], &dev.descriptor); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Read configuration descriptor (just header first to get total length)
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return err
	}
	var header ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(buf[:n], &header); err != nil {
		return err
	}

	totalLength := int(header.TotalLength)
	if totalLength > len(buf) {
		totalLength = len(buf)
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:totalLength])
	if err != nil {
		return err
	}
	if err := dev.parseConfigurationTree(buf[:n]); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"configValue", dev.config.ConfigurationValue)

	// Non-fatal, continue without strings
	h.readStringDescriptors(ctx, dev, buf[:])

	// Set configuration (use the first configuration)
	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return err
		}
	}
	return nil
}

// readStringDescriptors reads and caches string descriptors for a device.
func (h *Host) readStringDescriptors(ctx context.Context, dev *Device, buf []byte) {
	readString := func(index uint8) (string, error) {
		if index == 0 {
			return "", nil
		}

		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf)
		if err != nil {
			return "", err
		}
		return decodeString(buf[:n]), nil
	}

	indices := []struct {
		name  string
		index uint8
	}{
		{"manufacturer", dev.descriptor.ManufacturerIndex},
		{"product", dev.descriptor.ProductIndex},
		{"serial", dev.descriptor.SerialNumberIndex},
	}
	for _, s := range indices {
		if int(s.index) >= len(dev.strings) {
			continue
		}
		v, err := readString(s.index)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
				"index", s.index, "error", err)
			continue
		}
		if v != "" {
			dev.strings[s.index] = v
			pkg.LogDebug(pkg.ComponentHost, s.name, "value", v)
		}
	}
}

// decodeString converts a UTF-16LE string descriptor to ASCII, dropping
// characters outside the printable range.
func decodeString(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	length := int(b[0])
	if length > len(b) {
		length = len(b)
	}
	result := make([]byte, 0, length/2)
	for i := 2; i+1 < length; i += 2 {
		if b[i+1] == 0 && b[i] >= 0x20 && b[i] < 0x7F {
			result = append(result, b[i])
		}
	}
	return string(result)
}
