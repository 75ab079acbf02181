package osal

import (
	"runtime"
	"time"
)

// Runtime supplies the scheduler services the driver blocks on.
type Runtime interface {
	// Delay blocks the calling task for at least d.
	Delay(d time.Duration)

	// Yield gives other tasks a chance to run. The interrupt handler calls
	// it when a callback or notification woke a task.
	Yield()
}

// DefaultRuntime implements Runtime with the Go scheduler.
var DefaultRuntime Runtime = goRuntime{}

type goRuntime struct{}

func (goRuntime) Delay(d time.Duration) {
	time.Sleep(d)
}

func (goRuntime) Yield() {
	runtime.Gosched()
}
