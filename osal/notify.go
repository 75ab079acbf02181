package osal

import "github.com/ardnew/softhcd/pkg"

// Notifier is a single-slot rendezvous between one waiting task and the
// interrupt handler. The zero value is ready to use.
//
// Arm, Armed and Notify must be called with the owning object's critical
// section held. Wait must be called with it released.
type Notifier struct {
	ch    chan struct{}
	armed bool
}

// Arm registers the calling task as the object's only waiter.
// Returns [pkg.ErrInvalidState] if another task is already waiting.
func (n *Notifier) Arm() error {
	if n.armed {
		return pkg.ErrInvalidState
	}
	if n.ch == nil {
		n.ch = make(chan struct{}, 1)
	}
	n.armed = true
	return nil
}

// Armed reports whether a task is registered as waiting.
func (n *Notifier) Armed() bool {
	return n.armed
}

// Wait blocks until Notify is called. A notification delivered between Arm
// and Wait is not lost.
func (n *Notifier) Wait() {
	<-n.ch
}

// Notify wakes the registered waiter, if any, and unregisters it.
// It returns true if a task was woken, which the interrupt handler treats
// as a request to yield.
func (n *Notifier) Notify() bool {
	if !n.armed {
		return false
	}
	n.armed = false
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return true
}
