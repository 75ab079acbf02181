// Package osal provides the task/interrupt runtime primitives the driver
// core is written against.
//
// Three pieces are provided:
//
//   - [CriticalSection] serializes all mutable driver state. It is usable
//     from task context and from the interrupt handler. On regular Go it is
//     a mutex; under TinyGo it masks interrupts.
//   - [Notifier] is a single-slot rendezvous between one blocked task and
//     the interrupt handler that wakes it. It enforces that at most one task
//     waits on a given object at a time.
//   - [Runtime] supplies the blocking millisecond delay and the scheduler
//     yield requested by the interrupt handler.
//
// # Usage
//
// A blocking step arms the notifier inside the critical section, leaves the
// section, waits, and re-enters:
//
//	cs.Enter()
//	if err := n.Arm(); err != nil {
//	    cs.Exit()
//	    return err
//	}
//	cs.Exit()
//	n.Wait()
//	cs.Enter()
//
// The interrupt handler, holding the same section, calls [Notifier.Notify].
package osal
