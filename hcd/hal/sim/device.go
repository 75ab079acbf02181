package sim

import (
	"sync"

	"github.com/ardnew/softhcd/hcd/hal"
)

// Standard request codes the emulated device answers.
const (
	requestGetStatus        = 0x00
	requestClearFeature     = 0x01
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestGetConfiguration = 0x08
	requestSetConfiguration = 0x09
)

// Descriptor types.
const (
	descTypeDevice        = 0x01
	descTypeConfiguration = 0x02
	descTypeString        = 0x03
)

// DeviceConfig describes an emulated device.
type DeviceConfig struct {
	Speed     hal.Speed
	VendorID  uint16
	ProductID uint16

	// MaxPacketSize0 is bMaxPacketSize0. Zero selects 8 for low speed and
	// 64 for full speed.
	MaxPacketSize0 uint8

	// BulkIn and BulkOut are endpoint addresses of a bulk pair on
	// interface 0. Zero omits the endpoint.
	BulkIn  uint8
	BulkOut uint8

	// Product, if set, is served as string descriptor 2.
	Product string
}

// Device is an emulated USB device. It answers GET_DESCRIPTOR, SET_ADDRESS,
// GET/SET_CONFIGURATION, GET_STATUS and CLEAR_FEATURE, and serves bulk
// endpoints from queued data.
type Device struct {
	speed hal.Speed

	mu       sync.Mutex
	devDesc  []byte
	confDesc []byte
	strings  map[uint8][]byte
	address  uint8
	config   uint8
	bulkIn   map[uint8][]byte
	bulkOut  map[uint8][]byte
	stallEP  map[uint8]bool
	resets   int

	// Control transfer in progress.
	setupPkt    hal.SetupPacket
	response    []byte
	pendingAddr int // -1 if none
	stall       bool
}

// NewDevice returns an emulated device described by cfg.
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.Speed != hal.SpeedLow {
		cfg.Speed = hal.SpeedFull
	}
	mps0 := cfg.MaxPacketSize0
	if mps0 == 0 {
		mps0 = 64
		if cfg.Speed == hal.SpeedLow {
			mps0 = 8
		}
	}

	d := &Device{
		speed:       cfg.Speed,
		strings:     make(map[uint8][]byte),
		bulkIn:      make(map[uint8][]byte),
		bulkOut:     make(map[uint8][]byte),
		stallEP:     make(map[uint8]bool),
		pendingAddr: -1,
	}

	var iProduct uint8
	if cfg.Product != "" {
		iProduct = 2
		d.strings[0] = []byte{4, descTypeString, 0x09, 0x04}
		d.strings[2] = stringDescriptor(cfg.Product)
	}

	d.devDesc = []byte{
		18, descTypeDevice,
		0x00, 0x02, // bcdUSB 2.00
		0x00, 0x00, 0x00, // class, subclass, protocol
		mps0,
		byte(cfg.VendorID), byte(cfg.VendorID >> 8),
		byte(cfg.ProductID), byte(cfg.ProductID >> 8),
		0x00, 0x01, // bcdDevice
		0, iProduct, 0,
		1, // bNumConfigurations
	}

	var eps []byte
	for _, addr := range []uint8{cfg.BulkIn, cfg.BulkOut} {
		if addr == 0 {
			continue
		}
		eps = append(eps, 7, 0x05, addr, byte(hal.TransferBulk), 64, 0, 0)
	}
	iface := []byte{9, 0x04, 0, 0, byte(len(eps) / 7), 0xFF, 0x00, 0x00, 0}
	total := 9 + len(iface) + len(eps)
	d.confDesc = append([]byte{
		9, descTypeConfiguration,
		byte(total), byte(total >> 8),
		1,    // bNumInterfaces
		1,    // bConfigurationValue
		0,    // iConfiguration
		0x80, // bus powered
		50,   // 100 mA
	}, iface...)
	d.confDesc = append(d.confDesc, eps...)
	return d
}

func stringDescriptor(s string) []byte {
	b := []byte{byte(2 + 2*len(s)), descTypeString}
	for i := 0; i < len(s); i++ {
		b = append(b, s[i], 0)
	}
	return b
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// Address returns the assigned address.
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Configuration returns the selected configuration value.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Resets returns the number of bus resets the device has seen.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// QueueIn appends data the device returns on IN endpoint ep.
func (d *Device) QueueIn(ep uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bulkIn[ep] = append(d.bulkIn[ep], data...)
}

// Received returns and clears the data the host wrote to OUT endpoint ep.
func (d *Device) Received(ep uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.bulkOut[ep]
	delete(d.bulkOut, ep)
	return b
}

// SetStall makes endpoint ep answer with STALL until cleared by
// CLEAR_FEATURE(ENDPOINT_HALT) or SetStall(ep, false).
func (d *Device) SetStall(ep uint8, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallEP[ep] = on
}

func (d *Device) busReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.address = 0
	d.config = 0
	d.pendingAddr = -1
	d.response = nil
	d.stall = false
}

// setup starts a control transfer.
func (d *Device) setup(buf []byte) hal.ChannelError {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s hal.SetupPacket
	hal.ParseSetupPacket(buf, &s)
	d.setupPkt = s
	d.response = nil
	d.stall = false

	switch s.Request {
	case requestGetDescriptor:
		var desc []byte
		switch s.Value >> 8 {
		case descTypeDevice:
			desc = d.devDesc
		case descTypeConfiguration:
			desc = d.confDesc
		case descTypeString:
			desc = d.strings[uint8(s.Value)]
		}
		if desc == nil {
			d.stall = true
			break
		}
		d.response = truncate(desc, int(s.Length))
	case requestSetAddress:
		d.pendingAddr = int(s.Value & 0x7F)
	case requestSetConfiguration:
		if s.Value > 1 {
			d.stall = true
		} else {
			d.config = uint8(s.Value)
		}
	case requestGetConfiguration:
		d.response = truncate([]byte{d.config}, int(s.Length))
	case requestGetStatus:
		d.response = truncate([]byte{0, 0}, int(s.Length))
	case requestClearFeature:
		if s.RequestType&0x1F == 0x02 && s.Value == 0 {
			delete(d.stallEP, uint8(s.Index))
		}
	default:
		d.stall = true
	}
	return hal.ChannelErrorNone
}

// controlData runs a data or status stage of the current control transfer.
func (d *Device) controlData(buf []byte, in bool) (int, hal.ChannelError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stall {
		return 0, hal.ChannelErrorStall
	}

	// Status stage.
	if len(buf) == 0 {
		if d.pendingAddr >= 0 {
			d.address = uint8(d.pendingAddr)
			d.pendingAddr = -1
		}
		return 0, hal.ChannelErrorNone
	}

	if in {
		n := copy(buf, d.response)
		d.response = d.response[n:]
		return n, hal.ChannelErrorNone
	}
	return len(buf), hal.ChannelErrorNone
}

// bulk runs one bulk transaction on endpoint ep.
func (d *Device) bulk(ep uint8, buf []byte, in bool) (int, hal.ChannelError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.config == 0 {
		return 0, hal.ChannelErrorXact
	}
	if d.stallEP[ep] {
		return 0, hal.ChannelErrorStall
	}
	if in {
		n := copy(buf, d.bulkIn[ep])
		d.bulkIn[ep] = d.bulkIn[ep][n:]
		return n, hal.ChannelErrorNone
	}
	d.bulkOut[ep] = append(d.bulkOut[ep], buf...)
	return len(buf), hal.ChannelErrorNone
}

func truncate(b []byte, n int) []byte {
	if n < len(b) {
		return b[:n]
	}
	return b
}
