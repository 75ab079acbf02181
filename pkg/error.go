package pkg

import "errors"

// Caller-misuse and resource errors returned synchronously by the driver.
var (
	// ErrInvalidArg indicates a nil or out-of-range argument.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInvalidState indicates the object is in the wrong lifecycle phase
	// or is already busy with another command.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidResponse indicates a command started but the hardware's
	// state changed unexpectedly while the command was waiting.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNoMemory indicates an allocation failed.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNotSupported indicates an unsupported transfer type, speed
	// combination, or an exhausted channel pool.
	ErrNotSupported = errors.New("not supported")

	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout indicates a blocking operation gave up waiting.
	ErrTimeout = errors.New("timeout")
)

// USB transfer errors, surfaced through [TransferStatus.Err].
var (
	// ErrTransfer indicates excessive transaction errors on the bus.
	ErrTransfer = errors.New("transaction error")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrOverflow indicates the device sent more data than requested.
	ErrOverflow = errors.New("data overflow")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrShortTransfer indicates fewer bytes were transferred than the
	// caller required.
	ErrShortTransfer = errors.New("short transfer")
)

// Descriptor parsing errors.
var (
	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// TransferStatus is the completion status written into an IRP.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusCompleted TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Excessive transaction errors
	TransferStatusOverflow                        // Device babbled past the buffer
	TransferStatusStall                           // Endpoint stalled
	TransferStatusNoDevice                        // Device gone or pipe invalidated
	TransferStatusCancelled                       // Retired before it started
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusCompleted:
		return "completed"
	case TransferStatusError:
		return "error"
	case TransferStatusOverflow:
		return "overflow"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNoDevice:
		return "no device"
	case TransferStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Err returns the error corresponding to the transfer status, or nil for
// [TransferStatusCompleted].
func (s TransferStatus) Err() error {
	switch s {
	case TransferStatusCompleted:
		return nil
	case TransferStatusError:
		return ErrTransfer
	case TransferStatusOverflow:
		return ErrOverflow
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNoDevice:
		return ErrNoDevice
	case TransferStatusCancelled:
		return ErrCancelled
	default:
		return ErrTransfer
	}
}
