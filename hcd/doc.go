// Package hcd implements a USB host controller driver core for a
// controller with a single root port and a pool of DMA host channels.
//
// The driver is layered on the [hal.HAL] interface and manages three kinds
// of objects:
//
//   - [Port]: the root port and its state machine (power, reset, suspend,
//     resume, disable, recovery) and the events it raises on attach,
//     detach, over-current and errors
//   - [Pipe]: a queue of transfer requests bound to one endpoint of the
//     enabled device and one hardware channel
//   - [TransferRequest]: one caller-owned [IRP] moving through
//     idle, pending, in flight and done
//
// # Lifecycle
//
//	drv, err := hcd.Install(hcd.Config{HAL: ctrl})
//	port, err := drv.PortInit(hcd.PortNumber, hcd.PortConfig{Callback: cb})
//	port.Command(hcd.PortCmdPowerOn)
//	// callback reports an event
//	port.HandleEvent() // CONNECTION after debounce
//	port.Command(hcd.PortCmdReset)
//	pipe, err := port.PipeAlloc(hcd.PipeConfig{DevSpeed: speed})
//
// # Concurrency
//
// One critical section guards every port, pipe and request field and is
// shared with the interrupt handler. Commands that wait on the bus or on the
// interrupt handler release it while blocked and re-validate the state when
// they resume; a state that changed underneath them fails the command with
// [pkg.ErrInvalidResponse]. At most one task waits on a given port or pipe.
//
// Port and pipe callbacks run from the interrupt handler with the critical
// section released. They must not block and must not issue commands.
//
// # Transfers
//
// Control transfers run as three descriptors (SETUP, DATA, STATUS). Each
// descriptor halts the channel so the interrupt handler programs direction
// and data toggle of the next stage. Bulk transfers use one descriptor.
// Requests on a pipe complete in enqueue order.
//
// Isochronous and interrupt endpoints are not supported.
package hcd
