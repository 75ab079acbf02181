//go:build !tinygo

package osal

import "sync"

// criticalState is a mutex on regular Go, where the interrupt handler runs
// on its own goroutine.
type criticalState struct {
	mu sync.Mutex
}

func (c *criticalState) enter() {
	c.mu.Lock()
}

func (c *criticalState) exit() {
	c.mu.Unlock()
}
