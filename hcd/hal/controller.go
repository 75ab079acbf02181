package hal

// Interrupt is a registered interrupt source. It is allocated disabled.
type Interrupt interface {
	Enable()
	Disable()
	Free() error
}

// CoreHAL covers controller-wide operations.
type CoreHAL interface {
	// Init brings the controller core up in host mode.
	Init() error

	// Deinit releases the controller core.
	Deinit()

	// ForceHostMode drives the ID and VBUS-valid signals so the
	// controller acts as an A-side host regardless of the connector.
	ForceHostMode()

	// CoreSoftReset resets all controller registers except power.
	CoreSoftReset()

	// AllocInterrupt registers handler as the controller's interrupt
	// service routine. The returned interrupt starts disabled.
	AllocInterrupt(handler func()) (Interrupt, error)
}

// PortHAL covers the single root port.
type PortHAL interface {
	PortInit()
	PortDeinit()

	// PortTogglePower switches the VBUS rail.
	PortTogglePower(on bool)

	// PortToggleReset drives (true) or releases (false) bus reset.
	PortToggleReset(on bool)

	// PortToggleResume drives (true) or releases (false) resume signaling.
	PortToggleResume(on bool)

	// PortSuspend puts the bus into the suspend state.
	PortSuspend()

	// PortEnable finishes port set-up after the enabled interrupt.
	PortEnable()

	// PortDisable disables the port. A disabled interrupt follows.
	PortDisable()

	// PortConnected samples the line state.
	PortConnected() bool

	// PortSpeed returns the speed of the connected device.
	PortSpeed() Speed

	// DisableDebounceLock re-arms connection detection after a debounce.
	DisableDebounceLock()

	// DecodeInterrupt reads and clears the next pending interrupt cause.
	DecodeInterrupt() PortEvent
}

// ChannelHAL covers the host channel pool. Channels are identified by
// index.
type ChannelHAL interface {
	// ChannelAlloc reserves a free channel.
	ChannelAlloc() (ch int, ok bool)

	// ChannelFree returns a channel to the pool.
	ChannelFree(ch int)

	// ChannelPending returns the next channel with a pending interrupt.
	ChannelPending() (ch int, ok bool)

	// ChannelDecode reads and clears the channel's interrupt cause.
	ChannelDecode(ch int) ChannelEvent

	// ChannelError returns the error latched by the last error event.
	ChannelError(ch int) ChannelError

	// ChannelClearError clears the latched error.
	ChannelClearError(ch int)

	// ChannelSetEndpoint programs endpoint characteristics.
	ChannelSetEndpoint(ch int, ep EndpointChar)

	// ChannelSetDirection sets the direction of the next transaction.
	ChannelSetDirection(ch int, in bool)

	// ChannelSetPID sets the data toggle of the next transaction.
	ChannelSetPID(ch int, pid PID)

	// ChannelSlotAcquire hands a descriptor list to the channel.
	ChannelSlotAcquire(ch int, list DescriptorList)

	// ChannelSlotRelease takes the descriptor list back.
	ChannelSlotRelease(ch int) DescriptorList

	// ChannelActivate starts the channel, skipping skip descriptors from
	// the current position first.
	ChannelActivate(ch int, skip int)

	// ChannelNextDescIndex returns the index of the next descriptor the
	// channel would execute.
	ChannelNextDescIndex(ch int) int

	// ChannelRequestHalt asks an active channel to halt. Returns true if
	// the channel is already halted.
	ChannelRequestHalt(ch int) bool
}

// HAL is the full hardware abstraction the driver core consumes.
type HAL interface {
	CoreHAL
	PortHAL
	ChannelHAL
}
