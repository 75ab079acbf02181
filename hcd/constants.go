package hcd

import (
	"fmt"
	"time"
)

// PortNumber is the only valid root port number.
const PortNumber = 1

// Descriptors per transfer, by transfer type.
const (
	NumDescPerXferControl = 3 // SETUP, DATA, STATUS
	NumDescPerXferBulk    = 1
)

// Worst-case default-pipe max packet sizes before the device descriptor
// has been read.
const (
	ControlMPSLowSpeed  = 8
	ControlMPSFullSpeed = 64
)

// Timing holds the fixed bus delays the port commands block on.
type Timing struct {
	Debounce       time.Duration // Wait before trusting line state after attach/detach
	ResetHold      time.Duration // Duration bus reset is driven
	ResetRecovery  time.Duration // Idle time after reset before the device must be enabled
	ResumeHold     time.Duration // Duration resume signaling is driven
	ResumeRecovery time.Duration // Idle time after resume
}

// DefaultTiming returns the USB 2.0 timings the driver uses by default.
func DefaultTiming() Timing {
	return Timing{
		Debounce:       250 * time.Millisecond,
		ResetHold:      30 * time.Millisecond,
		ResetRecovery:  30 * time.Millisecond,
		ResumeHold:     30 * time.Millisecond,
		ResumeRecovery: 20 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultTiming.
func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.Debounce <= 0 {
		t.Debounce = def.Debounce
	}
	if t.ResetHold <= 0 {
		t.ResetHold = def.ResetHold
	}
	if t.ResetRecovery <= 0 {
		t.ResetRecovery = def.ResetRecovery
	}
	if t.ResumeHold <= 0 {
		t.ResumeHold = def.ResumeHold
	}
	if t.ResumeRecovery <= 0 {
		t.ResumeRecovery = def.ResumeRecovery
	}
	return t
}

// PortState is the root port's state.
type PortState uint8

// Port states.
const (
	PortStateNotPowered   PortState = iota // VBUS off
	PortStateDisconnected                  // Powered, nothing attached
	PortStateDisabled                      // Device attached, not reset
	PortStateResetting                     // Bus reset in progress
	PortStateEnabled                       // Device reset and enabled
	PortStateSuspended                     // Bus suspended
	PortStateResuming                      // Resume signaling in progress
	PortStateRecovery                      // Unusable until Recover
)

// String returns a human-readable state name.
func (s PortState) String() string {
	switch s {
	case PortStateNotPowered:
		return "not powered"
	case PortStateDisconnected:
		return "disconnected"
	case PortStateDisabled:
		return "disabled"
	case PortStateResetting:
		return "resetting"
	case PortStateEnabled:
		return "enabled"
	case PortStateSuspended:
		return "suspended"
	case PortStateResuming:
		return "resuming"
	case PortStateRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("unknown port state (%d)", s)
	}
}

// PortEvent is an asynchronous port event surfaced to the caller.
type PortEvent uint8

// Port events.
const (
	PortEventNone PortEvent = iota
	PortEventConnection
	PortEventDisconnection
	PortEventError
	PortEventOvercurrent
	PortEventSuddenDisconnection
)

// String returns a human-readable event name.
func (e PortEvent) String() string {
	switch e {
	case PortEventNone:
		return "none"
	case PortEventConnection:
		return "connection"
	case PortEventDisconnection:
		return "disconnection"
	case PortEventError:
		return "error"
	case PortEventOvercurrent:
		return "overcurrent"
	case PortEventSuddenDisconnection:
		return "sudden disconnection"
	default:
		return fmt.Sprintf("unknown port event (%d)", e)
	}
}

// PortCommand is a command issued with [Port.Command].
type PortCommand uint8

// Port commands.
const (
	PortCmdPowerOn PortCommand = iota
	PortCmdPowerOff
	PortCmdReset
	PortCmdSuspend
	PortCmdResume
	PortCmdDisable
)

// String returns a human-readable command name.
func (c PortCommand) String() string {
	switch c {
	case PortCmdPowerOn:
		return "power on"
	case PortCmdPowerOff:
		return "power off"
	case PortCmdReset:
		return "reset"
	case PortCmdSuspend:
		return "suspend"
	case PortCmdResume:
		return "resume"
	case PortCmdDisable:
		return "disable"
	default:
		return fmt.Sprintf("unknown port command (%d)", c)
	}
}

// PipeState is a pipe's state.
type PipeState uint8

// Pipe states.
const (
	PipeStateActive  PipeState = iota // Accepting and executing requests
	PipeStateHalted                   // Stopped after an error or HALT
	PipeStateInvalid                  // Device gone, pipe can only be freed
)

// String returns a human-readable state name.
func (s PipeState) String() string {
	switch s {
	case PipeStateActive:
		return "active"
	case PipeStateHalted:
		return "halted"
	case PipeStateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown pipe state (%d)", s)
	}
}

// PipeEvent is an event delivered to a pipe's callback.
type PipeEvent uint8

// Pipe events.
const (
	PipeEventNone PipeEvent = iota
	PipeEventXferReqDone
	PipeEventErrorXfer
	PipeEventErrorXferNotAvail
	PipeEventErrorOverflow
	PipeEventErrorStall
	PipeEventInvalid
)

// String returns a human-readable event name.
func (e PipeEvent) String() string {
	switch e {
	case PipeEventNone:
		return "none"
	case PipeEventXferReqDone:
		return "transfer done"
	case PipeEventErrorXfer:
		return "transfer error"
	case PipeEventErrorXferNotAvail:
		return "transfer not available"
	case PipeEventErrorOverflow:
		return "overflow"
	case PipeEventErrorStall:
		return "stall"
	case PipeEventInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown pipe event (%d)", e)
	}
}

// PipeCommand is a command issued with [Pipe.Command].
type PipeCommand uint8

// Pipe commands.
const (
	PipeCmdAbort PipeCommand = iota // Retire pending requests, keep state
	PipeCmdReset                    // Retire pending requests, return to active
	PipeCmdClear                    // Halted to active, restart the queue
	PipeCmdHalt                     // Wait for the in-flight request, then halt
)

// String returns a human-readable command name.
func (c PipeCommand) String() string {
	switch c {
	case PipeCmdAbort:
		return "abort"
	case PipeCmdReset:
		return "reset"
	case PipeCmdClear:
		return "clear"
	case PipeCmdHalt:
		return "halt"
	default:
		return fmt.Sprintf("unknown pipe command (%d)", c)
	}
}

// RequestState is a transfer request's lifecycle state.
type RequestState uint8

// Transfer request states.
const (
	RequestStateIdle     RequestState = iota // Not enqueued
	RequestStatePending                      // Queued behind other work
	RequestStateInflight                     // Executing on the channel
	RequestStateDone                         // Result available for dequeue
)

// String returns a human-readable state name.
func (s RequestState) String() string {
	switch s {
	case RequestStateIdle:
		return "idle"
	case RequestStatePending:
		return "pending"
	case RequestStateInflight:
		return "inflight"
	case RequestStateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown request state (%d)", s)
	}
}

// controlStage tracks which stage of a control transfer is executing.
type controlStage uint8

const (
	controlStageSetup controlStage = iota
	controlStageData
	controlStageStatus
)
