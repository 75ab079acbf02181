package hal

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants. The root port runs at full speed and can host low
// speed devices.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	default:
		return "Unknown"
	}
}

// PortEvent is the decoded cause of one controller interrupt.
type PortEvent uint8

// Interrupt causes returned by [PortHAL.DecodeInterrupt].
const (
	PortEventNone             PortEvent = iota // Nothing pending
	PortEventChannel                           // One or more channels need service
	PortEventConnection                        // Device attach detected
	PortEventDisconnection                     // Device detach detected
	PortEventEnabled                           // Port enabled after a reset
	PortEventDisabled                          // Port disabled by request or error
	PortEventOvercurrent                       // Over-current detected
	PortEventOvercurrentClear                  // Over-current cleared
)

// String returns the event name.
func (e PortEvent) String() string {
	switch e {
	case PortEventNone:
		return "none"
	case PortEventChannel:
		return "channel"
	case PortEventConnection:
		return "connection"
	case PortEventDisconnection:
		return "disconnection"
	case PortEventEnabled:
		return "enabled"
	case PortEventDisabled:
		return "disabled"
	case PortEventOvercurrent:
		return "overcurrent"
	case PortEventOvercurrentClear:
		return "overcurrent clear"
	default:
		return "unknown"
	}
}

// ChannelEvent is the decoded cause of a channel interrupt.
type ChannelEvent uint8

// Channel interrupt causes returned by [ChannelHAL.ChannelDecode].
const (
	ChannelEventNone        ChannelEvent = iota
	ChannelEventSlotDone                 // Whole descriptor list executed
	ChannelEventSlotHalt                 // Halted partway through the list
	ChannelEventError                    // Transaction error, see ChannelError
	ChannelEventHaltRequest              // Halt requested by software completed
)

// String returns the event name.
func (e ChannelEvent) String() string {
	switch e {
	case ChannelEventNone:
		return "none"
	case ChannelEventSlotDone:
		return "slot done"
	case ChannelEventSlotHalt:
		return "slot halt"
	case ChannelEventError:
		return "error"
	case ChannelEventHaltRequest:
		return "halt request"
	default:
		return "unknown"
	}
}

// ChannelError identifies why a channel raised [ChannelEventError].
type ChannelError uint8

// Channel errors.
const (
	ChannelErrorNone     ChannelError = iota
	ChannelErrorXact                  // Excessive transaction errors
	ChannelErrorNotAvail              // Descriptor list not available
	ChannelErrorBabble                // Babble (overflow)
	ChannelErrorStall                 // STALL handshake
)

// String returns the error name.
func (e ChannelError) String() string {
	switch e {
	case ChannelErrorNone:
		return "none"
	case ChannelErrorXact:
		return "transaction"
	case ChannelErrorNotAvail:
		return "not available"
	case ChannelErrorBabble:
		return "babble"
	case ChannelErrorStall:
		return "stall"
	default:
		return "unknown"
	}
}

// PID is the data toggle a channel starts with.
type PID uint8

// Data PIDs.
const (
	PIDData0 PID = 0
	PIDData1 PID = 1
)

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// EndpointDirIn is the direction bit of an endpoint address.
const EndpointDirIn = 0x80

// EndpointDescriptor describes an endpoint as reported by the device.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&EndpointDirIn != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// EndpointChar holds the endpoint characteristics programmed into a channel.
type EndpointChar struct {
	Type       TransferType
	Address    uint8 // bEndpointAddress, including the direction bit
	DevAddr    uint8
	MPS        int
	LSViaFSHub bool // Low speed device behind a full speed port
}

// IsIn reports whether the endpoint address has the IN direction bit.
func (e EndpointChar) IsIn() bool {
	return e.Address&EndpointDirIn != 0
}

// Number returns the endpoint number (0-15).
func (e EndpointChar) Number() uint8 {
	return e.Address & 0x0F
}
