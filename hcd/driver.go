package hcd

import (
	"errors"
	"fmt"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/osal"
	"github.com/ardnew/softhcd/pkg"
)

// Config configures a driver instance.
type Config struct {
	// HAL is the controller the driver owns. Required.
	HAL hal.HAL

	// Allocator provides descriptor-list memory. Defaults to
	// hal.HeapAllocator.
	Allocator hal.Allocator

	// Runtime provides delays and scheduler yields. Defaults to
	// osal.DefaultRuntime.
	Runtime osal.Runtime

	// Timing overrides bus delays. Zero fields use DefaultTiming.
	Timing Timing
}

// Driver owns one host controller: its single root port, the interrupt
// registration, and the critical section guarding all driver state.
type Driver struct {
	hal    hal.HAL
	alloc  hal.Allocator
	rt     osal.Runtime
	timing Timing

	// cs guards every Port, Pipe and TransferRequest field below it.
	cs osal.CriticalSection

	intr      hal.Interrupt
	port      *Port
	installed bool

	// chanPipes maps a channel index to the pipe that holds it.
	chanPipes []*Pipe
}

// Install brings up the controller and claims its interrupt.
//
// The controller's interrupt can be registered once, so a second Install on
// the same HAL fails with [pkg.ErrInvalidState]. Partial set-up is rolled
// back on any failure.
func Install(cfg Config) (*Driver, error) {
	if cfg.HAL == nil {
		return nil, pkg.ErrInvalidArg
	}

	d := &Driver{
		hal:    cfg.HAL,
		alloc:  cfg.Allocator,
		rt:     cfg.Runtime,
		timing: cfg.Timing.withDefaults(),
	}
	if d.alloc == nil {
		d.alloc = hal.HeapAllocator
	}
	if d.rt == nil {
		d.rt = osal.DefaultRuntime
	}
	d.port = &Port{drv: d}

	intr, err := d.hal.AllocInterrupt(d.handleInterrupt)
	if err != nil {
		if errors.Is(err, pkg.ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: interrupt: %v", pkg.ErrNoMemory, err)
	}

	if err := d.hal.Init(); err != nil {
		_ = intr.Free()
		return nil, fmt.Errorf("%w: controller init: %v", pkg.ErrInvalidState, err)
	}
	d.hal.ForceHostMode()

	d.intr = intr
	d.installed = true

	pkg.LogInfo(pkg.ComponentHCD, "driver installed")
	return d, nil
}

// Uninstall releases the controller and its interrupt. The port must have
// been deinitialized first.
func (d *Driver) Uninstall() error {
	d.cs.Enter()
	if !d.installed || d.port.initialized {
		d.cs.Exit()
		return pkg.ErrInvalidState
	}
	d.installed = false
	intr := d.intr
	d.intr = nil
	d.cs.Exit()

	err := intr.Free()
	d.hal.Deinit()

	pkg.LogInfo(pkg.ComponentHCD, "driver uninstalled")
	return err
}

// Installed reports whether the driver still owns the controller.
func (d *Driver) Installed() bool {
	d.cs.Enter()
	defer d.cs.Exit()
	return d.installed
}

// Timing returns the bus delays in effect.
func (d *Driver) Timing() Timing {
	return d.timing
}

// pipeForChannel returns the pipe holding channel ch, or nil.
func (d *Driver) pipeForChannel(ch int) *Pipe {
	if ch < 0 || ch >= len(d.chanPipes) {
		return nil
	}
	return d.chanPipes[ch]
}

// bindChannel records pipe as the holder of channel ch.
func (d *Driver) bindChannel(ch int, pipe *Pipe) {
	for ch >= len(d.chanPipes) {
		d.chanPipes = append(d.chanPipes, nil)
	}
	d.chanPipes[ch] = pipe
}
