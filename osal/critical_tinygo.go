//go:build tinygo

package osal

import "runtime/interrupt"

// criticalState masks interrupts for the duration of the section.
type criticalState struct {
	state interrupt.State
}

func (c *criticalState) enter() {
	c.state = interrupt.Disable()
}

func (c *criticalState) exit() {
	interrupt.Restore(c.state)
}
