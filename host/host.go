package host

import (
	"context"
	"sync"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/pkg"
)

// Host enumerates and manages the device attached to one root port.
type Host struct {
	port *hcd.Port

	device      *Device
	nextAddress uint8
	mutex       sync.RWMutex

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a host on an initialized port.
func New(port *hcd.Port) *Host {
	return &Host{
		port:        port,
		nextAddress: 1,
	}
}

// Port returns the root port.
func (h *Host) Port() *hcd.Port {
	return h.port
}

// Device returns the enumerated device, or nil.
func (h *Host) Device() *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.device
}

// SetOnDeviceConnect sets the callback for device enumeration.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device removal.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// HandleEvent handles the port's pending event and returns it.
//
// A connection is reset and enumerated. A disconnection detaches the
// device. Events that move the port to recovery detach the device, recover
// the port and power it back on.
func (h *Host) HandleEvent(ctx context.Context) (hcd.PortEvent, error) {
	ev := h.port.HandleEvent()
	switch ev {
	case hcd.PortEventNone:

	case hcd.PortEventConnection:
		_, err := h.Enumerate(ctx)
		return ev, err

	case hcd.PortEventDisconnection:
		return ev, h.detach()

	case hcd.PortEventSuddenDisconnection, hcd.PortEventError, hcd.PortEventOvercurrent:
		pkg.LogWarn(pkg.ComponentHost, "port fault", "event", ev)
		if err := h.detach(); err != nil {
			return ev, err
		}
		if err := h.port.Recover(); err != nil {
			return ev, err
		}
		return ev, h.port.Command(hcd.PortCmdPowerOn)
	}
	return ev, nil
}

// Enumerate resets the port if needed and enumerates the connected device.
func (h *Host) Enumerate(ctx context.Context) (*Device, error) {
	if h.Device() != nil {
		return nil, pkg.ErrInvalidState
	}
	if h.port.State() == hcd.PortStateDisabled {
		if err := h.port.Command(hcd.PortCmdReset); err != nil {
			return nil, err
		}
	}

	dev, err := h.enumerateDevice(ctx)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "error", err)
		return nil, err
	}

	h.mutex.Lock()
	h.device = dev
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", dev.Address(),
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID)

	if cb != nil {
		cb(dev)
	}
	return dev, nil
}

// detach closes the enumerated device, if any.
func (h *Host) detach() error {
	h.mutex.Lock()
	dev := h.device
	h.device = nil
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	if dev == nil {
		return nil
	}

	pkg.LogInfo(pkg.ComponentHost, "device disconnected", "address", dev.Address())
	err := dev.Close()
	if cb != nil {
		cb(dev)
	}
	return err
}

// allocateAddress allocates a new device address.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	addr := h.nextAddress
	h.nextAddress++
	if h.nextAddress > MaxAddress {
		h.nextAddress = 1
	}
	return addr
}
