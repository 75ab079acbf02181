package hcd

import (
	"container/list"
	"sync"
	"time"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/osal"
	"github.com/ardnew/softhcd/pkg"
)

// PortCallback receives port events from the interrupt handler.
type PortCallback interface {
	// PortEvent is called with the driver's critical section released.
	// Return true if the callback woke a task that should run now.
	PortEvent(port *Port, event PortEvent, inISR bool) (yield bool)
}

// PortCallbackFunc adapts a function to PortCallback.
type PortCallbackFunc func(port *Port, event PortEvent, inISR bool) bool

// PortEvent implements PortCallback.
func (f PortCallbackFunc) PortEvent(port *Port, event PortEvent, inISR bool) bool {
	return f(port, event, inISR)
}

// PortConfig configures the root port.
type PortConfig struct {
	Callback PortCallback
	Context  any
}

// portFlags is the port's bitfield of in-progress conditions.
type portFlags struct {
	eventPending         bool
	eventProcessing      bool
	cmdProcessing        bool
	waitingAllPipesPause bool
	disableRequested     bool
	pipesPaused          bool // Set by pauseAllPipes until unpaused or invalidated
	connDevEna           bool // A connected device has been reset and enabled
	numPipesWaitingPause int
}

func (f portFlags) clear() bool {
	return f == portFlags{}
}

// Port is the controller's single root port. It owns the pipes routed
// through it, split into pipes with no queued work (idle) and pipes that
// have had work queued since they last drained (queued).
type Port struct {
	drv *Driver

	// Guarded by drv.cs.
	state       PortState
	speed       hal.Speed
	lastEvent   PortEvent
	flags       portFlags
	pipesIdle   list.List
	pipesQueued list.List
	notif       osal.Notifier
	initialized bool

	// cmdMu serializes commands and event handling.
	cmdMu sync.Mutex

	callback PortCallback
	context  any
}

// PortInit initializes the root port. portNumber must be [PortNumber].
func (d *Driver) PortInit(portNumber int, cfg PortConfig) (*Port, error) {
	if portNumber != PortNumber {
		return nil, pkg.ErrInvalidArg
	}

	p := d.port
	d.cs.Enter()
	if !d.installed || p.initialized {
		d.cs.Exit()
		return nil, pkg.ErrInvalidState
	}
	p.state = PortStateNotPowered
	p.speed = hal.SpeedUnknown
	p.lastEvent = PortEventNone
	p.flags = portFlags{}
	p.pipesIdle.Init()
	p.pipesQueued.Init()
	p.callback = cfg.Callback
	p.context = cfg.Context
	d.hal.PortInit()
	p.initialized = true
	d.cs.Exit()

	d.intr.Enable()

	pkg.LogDebug(pkg.ComponentPort, "port initialized")
	return p, nil
}

// Deinit tears the port down. The port must be unpowered or in recovery,
// with every pipe freed and no event outstanding.
func (p *Port) Deinit() error {
	d := p.drv
	d.cs.Enter()
	if !p.initialized ||
		(p.state != PortStateNotPowered && p.state != PortStateRecovery) ||
		p.pipesIdle.Len() != 0 || p.pipesQueued.Len() != 0 ||
		!p.flags.clear() || p.notif.Armed() {
		d.cs.Exit()
		return pkg.ErrInvalidState
	}
	p.initialized = false
	d.hal.PortDeinit()
	d.cs.Exit()

	d.intr.Disable()

	pkg.LogDebug(pkg.ComponentPort, "port deinitialized")
	return nil
}

// Command executes a port command. Commands are serialized and rejected
// with [pkg.ErrInvalidState] while an unhandled event is pending.
func (p *Port) Command(cmd PortCommand) error {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	d := p.drv
	d.cs.Enter()
	var err error
	if !p.initialized || p.flags.eventPending {
		err = pkg.ErrInvalidState
	} else {
		p.flags.cmdProcessing = true
		switch cmd {
		case PortCmdPowerOn:
			err = p.cmdPowerOn()
		case PortCmdPowerOff:
			err = p.cmdPowerOff()
		case PortCmdReset:
			err = p.cmdReset()
		case PortCmdSuspend:
			err = p.cmdSuspend()
		case PortCmdResume:
			err = p.cmdResume()
		case PortCmdDisable:
			err = p.cmdDisable()
		default:
			err = pkg.ErrInvalidArg
		}
		p.flags.cmdProcessing = false
	}
	state := p.state
	d.cs.Exit()

	if err != nil {
		pkg.LogDebug(pkg.ComponentPort, "port command failed",
			"command", cmd, "state", state, "error", err)
	} else {
		pkg.LogDebug(pkg.ComponentPort, "port command done",
			"command", cmd, "state", state)
	}
	return err
}

// State returns the port's current state.
func (p *Port) State() PortState {
	p.drv.cs.Enter()
	defer p.drv.cs.Exit()
	return p.state
}

// Speed returns the speed of the enabled device.
// Returns [pkg.ErrInvalidState] if no device is enabled.
func (p *Port) Speed() (hal.Speed, error) {
	p.drv.cs.Enter()
	defer p.drv.cs.Exit()
	if !p.initialized || !p.flags.connDevEna {
		return hal.SpeedUnknown, pkg.ErrInvalidState
	}
	return p.speed, nil
}

// Context returns the caller context from PortConfig.
func (p *Port) Context() any {
	return p.context
}

// Driver returns the driver that owns the port.
func (p *Port) Driver() *Driver {
	return p.drv
}

// NumPipes returns the number of idle and queued pipes.
func (p *Port) NumPipes() (idle, queued int) {
	p.drv.cs.Enter()
	defer p.drv.cs.Exit()
	return p.pipesIdle.Len(), p.pipesQueued.Len()
}

// HandleEvent processes the pending port event, if any, and returns it.
//
// CONNECTION and DISCONNECTION are debounced first; an event the
// debounced line state contradicts is reported as [PortEventNone].
// ERROR, OVERCURRENT and SUDDEN_DISCONNECTION invalidate every pipe
// before returning.
func (p *Port) HandleEvent() PortEvent {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	d := p.drv
	d.cs.Enter()
	ret := PortEventNone
	if p.initialized && p.flags.eventPending {
		p.flags.eventPending = false
		p.flags.eventProcessing = true
		ev := p.lastEvent
		switch ev {
		case PortEventConnection:
			if p.debounce() {
				ret = PortEventConnection
			}
		case PortEventDisconnection:
			if !p.debounce() {
				ret = PortEventDisconnection
			}
		case PortEventError, PortEventOvercurrent, PortEventSuddenDisconnection:
			p.invalidateAllPipes()
			ret = ev
		}
		p.flags.eventProcessing = false
	}
	state := p.state
	d.cs.Exit()

	if ret != PortEventNone {
		pkg.LogDebug(pkg.ComponentPort, "port event handled", "event", ret, "state", state)
	}
	return ret
}

// Recover soft-resets the controller after the port entered
// [PortStateRecovery]. All pipes must already be freed. An event still
// pending from before the reset is discarded.
func (p *Port) Recover() error {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	d := p.drv
	d.cs.Enter()
	if !p.initialized || p.state != PortStateRecovery ||
		p.pipesIdle.Len() != 0 || p.pipesQueued.Len() != 0 ||
		p.flags.eventProcessing || p.flags.cmdProcessing || p.notif.Armed() {
		d.cs.Exit()
		return pkg.ErrInvalidState
	}
	d.intr.Disable()
	d.hal.CoreSoftReset()
	p.state = PortStateNotPowered
	p.lastEvent = PortEventNone
	p.flags = portFlags{}
	d.cs.Exit()

	d.intr.Enable()

	pkg.LogInfo(pkg.ComponentPort, "port recovered")
	return nil
}

// -----------------------------------------------------------------------------
// Commands. Each runs with drv.cs held and may release it while blocked.
// -----------------------------------------------------------------------------

func (p *Port) cmdPowerOn() error {
	if p.state != PortStateNotPowered {
		return pkg.ErrInvalidState
	}
	p.state = PortStateDisconnected
	p.drv.hal.PortTogglePower(true)
	return nil
}

func (p *Port) cmdPowerOff() error {
	if p.state == PortStateNotPowered {
		return pkg.ErrInvalidState
	}
	hadDevice := p.flags.connDevEna
	p.flags.connDevEna = false
	p.flags.pipesPaused = false
	p.state = PortStateNotPowered
	p.drv.hal.PortTogglePower(false)
	if hadDevice {
		p.invalidateAllPipes()
	}
	return nil
}

func (p *Port) cmdReset() error {
	if p.state != PortStateEnabled && p.state != PortStateDisabled {
		return pkg.ErrInvalidState
	}
	runtimeReset := p.state == PortStateEnabled
	if runtimeReset {
		if err := p.pauseAllPipes(); err != nil {
			return err
		}
	}

	// A previously enabled port raises a disabled interrupt here, which
	// the interrupt handler ignores while resetting.
	p.state = PortStateResetting
	p.drv.hal.PortToggleReset(true)
	p.delay(p.drv.timing.ResetHold)
	if p.state != PortStateResetting {
		return pkg.ErrInvalidResponse
	}

	p.drv.hal.PortToggleReset(false)
	p.delay(p.drv.timing.ResetRecovery)
	if p.state != PortStateEnabled || !p.flags.connDevEna {
		return pkg.ErrInvalidResponse
	}

	if runtimeReset {
		p.unpauseAllPipes()
	}
	return nil
}

func (p *Port) cmdSuspend() error {
	if p.state != PortStateEnabled {
		return pkg.ErrInvalidState
	}
	if err := p.pauseAllPipes(); err != nil {
		return err
	}
	p.drv.hal.PortSuspend()
	p.state = PortStateSuspended
	return nil
}

func (p *Port) cmdResume() error {
	if p.state != PortStateSuspended {
		return pkg.ErrInvalidState
	}
	p.drv.hal.PortToggleResume(true)
	p.state = PortStateResuming
	p.delay(p.drv.timing.ResumeHold)

	// Release to J state as the low speed EOP.
	p.drv.hal.PortToggleResume(false)
	if p.state != PortStateResuming || !p.flags.connDevEna {
		return pkg.ErrInvalidResponse
	}
	p.delay(p.drv.timing.ResumeRecovery)
	if p.state != PortStateResuming || !p.flags.connDevEna {
		return pkg.ErrInvalidResponse
	}

	p.state = PortStateEnabled
	p.unpauseAllPipes()
	return nil
}

func (p *Port) cmdDisable() error {
	if p.state != PortStateEnabled && p.state != PortStateSuspended {
		return pkg.ErrInvalidState
	}
	// Suspended ports already paused their pipes.
	if p.state == PortStateEnabled {
		if err := p.pauseAllPipes(); err != nil {
			return err
		}
	}

	if err := p.notif.Arm(); err != nil {
		return err
	}
	p.flags.disableRequested = true
	p.drv.hal.PortDisable()
	p.waitNotification()

	if p.state != PortStateDisabled {
		p.flags.disableRequested = false
		return pkg.ErrInvalidResponse
	}
	p.invalidateAllPipes()
	return nil
}

// -----------------------------------------------------------------------------
// Helpers. All run with drv.cs held.
// -----------------------------------------------------------------------------

// delay blocks for d with the critical section released.
func (p *Port) delay(d time.Duration) {
	p.drv.cs.Exit()
	p.drv.rt.Delay(d)
	p.drv.cs.Enter()
}

// waitNotification blocks until the interrupt handler notifies the port.
// The notifier must already be armed.
func (p *Port) waitNotification() {
	p.drv.cs.Exit()
	p.notif.Wait()
	p.drv.cs.Enter()
}

// debounce waits out contact bounce after an attach or detach and updates
// the state from the settled line. Returns whether a device is connected.
func (p *Port) debounce() bool {
	if p.state == PortStateNotPowered {
		// Detach caused by power off. Nothing to debounce.
		p.drv.hal.DisableDebounceLock()
		return false
	}
	p.delay(p.drv.timing.Debounce)
	connected := p.drv.hal.PortConnected()
	if connected {
		p.state = PortStateDisabled
	} else {
		p.state = PortStateDisconnected
	}
	p.drv.hal.DisableDebounceLock()
	return connected
}

// pauseAllPipes stops every pipe from starting new requests and blocks until
// pipes with a request in flight have finished it.
func (p *Port) pauseAllPipes() error {
	p.flags.pipesPaused = true
	for e := p.pipesIdle.Front(); e != nil; e = e.Next() {
		e.Value.(*Pipe).flags.paused = true
	}
	waiting := 0
	for e := p.pipesQueued.Front(); e != nil; e = e.Next() {
		pipe := e.Value.(*Pipe)
		pipe.flags.paused = true
		if pipe.inflight != nil {
			pipe.flags.pausePending = true
			waiting++
		}
	}
	if waiting == 0 {
		return nil
	}

	if err := p.notif.Arm(); err != nil {
		return err
	}
	p.flags.waitingAllPipesPause = true
	p.flags.numPipesWaitingPause = waiting
	p.waitNotification()
	p.flags.waitingAllPipesPause = false

	if p.flags.numPipesWaitingPause != 0 || !p.flags.connDevEna {
		// Woken by device loss rather than the last pause.
		p.flags.numPipesWaitingPause = 0
		for e := p.pipesQueued.Front(); e != nil; e = e.Next() {
			e.Value.(*Pipe).flags.pausePending = false
		}
		return pkg.ErrInvalidResponse
	}
	return nil
}

// unpauseAllPipes lets every pipe run again and restarts queued work.
func (p *Port) unpauseAllPipes() {
	p.flags.pipesPaused = false
	for e := p.pipesIdle.Front(); e != nil; e = e.Next() {
		e.Value.(*Pipe).flags.paused = false
	}
	for e := p.pipesQueued.Front(); e != nil; e = e.Next() {
		pipe := e.Value.(*Pipe)
		pipe.flags.paused = false
		if pipe.canStartNext() {
			pipe.startNext()
		}
	}
}

// invalidateAllPipes marks every pipe invalid, retires all of its requests
// with NoDevice, wakes any pipe command waiting on it, and runs each pipe's
// callback with the critical section released.
func (p *Port) invalidateAllPipes() {
	p.flags.pipesPaused = false
	var notify []*Pipe
	for _, l := range []*list.List{&p.pipesIdle, &p.pipesQueued} {
		for e := l.Front(); e != nil; e = e.Next() {
			pipe := e.Value.(*Pipe)
			pipe.invalidate()
			if pipe.callback != nil {
				notify = append(notify, pipe)
			}
		}
	}
	if len(notify) == 0 {
		return
	}

	p.drv.cs.Exit()
	for _, pipe := range notify {
		pipe.callback.PipeEvent(pipe, PipeEventInvalid, false)
	}
	p.drv.cs.Enter()
}

// wakeCommand wakes a command blocked on the port after the device was lost.
func (p *Port) wakeCommand() bool {
	if !p.flags.waitingAllPipesPause && !p.flags.disableRequested {
		return false
	}
	p.flags.disableRequested = false
	return p.notif.Notify()
}

// setState records a state change made by the interrupt handler.
func (p *Port) setState(s PortState) {
	if p.state != s {
		pkg.LogDebug(pkg.ComponentPort, "port state", "from", p.state, "to", s)
	}
	p.state = s
}

// moveToQueued moves pipe from the idle list to the queued list.
func (p *Port) moveToQueued(pipe *Pipe) {
	if pipe.queued {
		return
	}
	p.pipesIdle.Remove(pipe.elem)
	pipe.elem = p.pipesQueued.PushBack(pipe)
	pipe.queued = true
}

// moveToIdle moves pipe from the queued list to the idle list.
func (p *Port) moveToIdle(pipe *Pipe) {
	if !pipe.queued {
		return
	}
	p.pipesQueued.Remove(pipe.elem)
	pipe.elem = p.pipesIdle.PushBack(pipe)
	pipe.queued = false
}
