package osal

// CriticalSection guards state shared between tasks and the interrupt
// handler. The zero value is ready to use. Sections do not nest.
type CriticalSection struct {
	criticalState
}

// Enter acquires the critical section.
func (c *CriticalSection) Enter() {
	c.enter()
}

// Exit releases the critical section.
func (c *CriticalSection) Exit() {
	c.exit()
}

// Do runs fn inside the critical section.
func (c *CriticalSection) Do(fn func()) {
	c.enter()
	defer c.exit()
	fn()
}
