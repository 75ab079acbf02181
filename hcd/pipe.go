package hcd

import (
	"container/list"
	"fmt"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/osal"
	"github.com/ardnew/softhcd/pkg"
)

// PipeCallback receives pipe events from the interrupt handler.
type PipeCallback interface {
	// PipeEvent is called with the driver's critical section released.
	// Return true if the callback woke a task that should run now.
	PipeEvent(pipe *Pipe, event PipeEvent, inISR bool) (yield bool)
}

// PipeCallbackFunc adapts a function to PipeCallback.
type PipeCallbackFunc func(pipe *Pipe, event PipeEvent, inISR bool) bool

// PipeEvent implements PipeCallback.
func (f PipeCallbackFunc) PipeEvent(pipe *Pipe, event PipeEvent, inISR bool) bool {
	return f(pipe, event, inISR)
}

// PipeConfig configures a pipe.
type PipeConfig struct {
	// Endpoint is the endpoint the pipe targets. Nil selects the default
	// control pipe on endpoint 0.
	Endpoint *hal.EndpointDescriptor

	DevAddr  uint8
	DevSpeed hal.Speed

	Callback PipeCallback
	Context  any
}

type pipeFlags struct {
	waitingXferDone bool // A pipe command waits for the in-flight request
	paused          bool
	pausePending    bool // Pause takes effect when the in-flight request ends
	cmdProcessing   bool

	// Control transfers only.
	ctrlStage    controlStage
	ctrlDataIn   bool
	ctrlDataSkip bool
}

// Pipe queues transfer requests on one endpoint of the enabled device and
// owns the hardware channel and descriptor list that execute them.
type Pipe struct {
	port *Port

	// Guarded by port.drv.cs.
	state     PipeState
	lastEvent PipeEvent
	ep        hal.EndpointChar
	pending   list.List // *TransferRequest
	done      list.List // *TransferRequest
	inflight  *TransferRequest
	flags     pipeFlags
	notif     osal.Notifier
	elem      *list.Element // Position in the port's idle or queued list
	queued    bool
	freed     bool

	ch    int
	descs hal.DescriptorList

	callback PipeCallback
	context  any
}

// PipeAlloc allocates a pipe on the enabled device.
//
// Only control and bulk endpoints are supported. A low speed port cannot
// host a full speed device, and low speed devices have no bulk endpoints.
func (p *Port) PipeAlloc(cfg PipeConfig) (*Pipe, error) {
	d := p.drv

	d.cs.Enter()
	if !p.initialized || !p.flags.connDevEna {
		d.cs.Exit()
		return nil, pkg.ErrInvalidState
	}
	portSpeed := p.speed
	d.cs.Exit()

	ep, err := endpointChar(cfg, portSpeed)
	if err != nil {
		return nil, err
	}
	n := NumDescPerXferBulk
	if ep.Type == hal.TransferControl {
		n = NumDescPerXferControl
	}

	descs, err := d.alloc.AllocDescriptors(n)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor list: %v", pkg.ErrNoMemory, err)
	}

	pipe := &Pipe{
		port:     p,
		state:    PipeStateActive,
		ep:       ep,
		descs:    descs,
		callback: cfg.Callback,
		context:  cfg.Context,
	}

	d.cs.Enter()
	// The device may have gone while the list was allocated.
	if !p.initialized || !p.flags.connDevEna {
		d.cs.Exit()
		d.alloc.FreeDescriptors(descs)
		return nil, pkg.ErrInvalidState
	}
	ch, ok := d.hal.ChannelAlloc()
	if !ok {
		d.cs.Exit()
		d.alloc.FreeDescriptors(descs)
		return nil, fmt.Errorf("%w: no free channel", pkg.ErrNotSupported)
	}
	pipe.ch = ch
	// Pipes added to a suspended port wait for it to resume.
	pipe.flags.paused = p.flags.pipesPaused
	d.bindChannel(ch, pipe)
	d.hal.ChannelSetEndpoint(ch, ep)
	pipe.elem = p.pipesIdle.PushBack(pipe)
	d.cs.Exit()

	pkg.LogDebug(pkg.ComponentPipe, "pipe allocated",
		"channel", ch, "type", ep.Type, "address", ep.Address,
		"devAddr", ep.DevAddr, "mps", ep.MPS)
	return pipe, nil
}

// endpointChar derives channel endpoint characteristics from cfg.
func endpointChar(cfg PipeConfig, portSpeed hal.Speed) (hal.EndpointChar, error) {
	if cfg.DevSpeed != hal.SpeedLow && cfg.DevSpeed != hal.SpeedFull {
		return hal.EndpointChar{}, pkg.ErrInvalidArg
	}
	if portSpeed == hal.SpeedLow && cfg.DevSpeed == hal.SpeedFull {
		return hal.EndpointChar{}, fmt.Errorf("%w: full speed device on low speed port", pkg.ErrNotSupported)
	}

	ep := hal.EndpointChar{
		Type:       hal.TransferControl,
		DevAddr:    cfg.DevAddr,
		LSViaFSHub: cfg.DevSpeed == hal.SpeedLow && portSpeed == hal.SpeedFull,
	}
	if cfg.Endpoint == nil {
		ep.MPS = ControlMPSFullSpeed
		if cfg.DevSpeed == hal.SpeedLow {
			ep.MPS = ControlMPSLowSpeed
		}
		return ep, nil
	}

	ep.Type = cfg.Endpoint.TransferType()
	ep.Address = cfg.Endpoint.Address
	ep.MPS = int(cfg.Endpoint.MaxPacketSize)
	switch ep.Type {
	case hal.TransferControl:
	case hal.TransferBulk:
		if cfg.DevSpeed == hal.SpeedLow {
			return hal.EndpointChar{}, fmt.Errorf("%w: bulk on low speed device", pkg.ErrNotSupported)
		}
	default:
		return hal.EndpointChar{}, fmt.Errorf("%w: %s endpoint", pkg.ErrNotSupported, ep.Type)
	}
	if ep.MPS <= 0 {
		return hal.EndpointChar{}, pkg.ErrInvalidArg
	}
	return ep, nil
}

// Free releases the pipe's channel and descriptor list. Both request
// queues must be empty with nothing in flight.
func (pipe *Pipe) Free() error {
	p := pipe.port
	d := p.drv

	d.cs.Enter()
	if pipe.freed || pipe.inflight != nil ||
		pipe.pending.Len() != 0 || pipe.done.Len() != 0 ||
		pipe.flags.cmdProcessing || pipe.notif.Armed() {
		d.cs.Exit()
		return pkg.ErrInvalidState
	}
	if pipe.queued {
		p.pipesQueued.Remove(pipe.elem)
	} else {
		p.pipesIdle.Remove(pipe.elem)
	}
	pipe.elem = nil
	pipe.freed = true
	d.hal.ChannelFree(pipe.ch)
	d.bindChannel(pipe.ch, nil)
	descs := pipe.descs
	pipe.descs = nil
	d.cs.Exit()

	d.alloc.FreeDescriptors(descs)

	pkg.LogDebug(pkg.ComponentPipe, "pipe freed", "channel", pipe.ch)
	return nil
}

// Update reprograms the device address and max packet size, as done after
// SET_ADDRESS during enumeration. The pipe must be idle.
func (pipe *Pipe) Update(devAddr uint8, mps int) error {
	if mps <= 0 {
		return pkg.ErrInvalidArg
	}
	d := pipe.port.drv
	d.cs.Enter()
	defer d.cs.Exit()
	if pipe.freed || pipe.state == PipeStateInvalid ||
		pipe.inflight != nil || pipe.pending.Len() != 0 || pipe.done.Len() != 0 ||
		pipe.flags.cmdProcessing {
		return pkg.ErrInvalidState
	}
	pipe.ep.DevAddr = devAddr
	pipe.ep.MPS = mps
	d.hal.ChannelSetEndpoint(pipe.ch, pipe.ep)
	return nil
}

// Command executes a pipe command.
//
// ABORT and RESET wait for the in-flight request to finish and then retire
// every pending request as cancelled. RESET also returns the pipe to
// active. CLEAR moves a halted pipe back to active and restarts the queue.
// HALT waits for the in-flight request and halts the pipe.
func (pipe *Pipe) Command(cmd PipeCommand) error {
	d := pipe.port.drv
	d.cs.Enter()
	if pipe.freed || pipe.state == PipeStateInvalid ||
		!pipe.port.flags.connDevEna || pipe.flags.cmdProcessing {
		d.cs.Exit()
		return pkg.ErrInvalidState
	}
	pipe.flags.cmdProcessing = true

	var err error
	switch cmd {
	case PipeCmdAbort, PipeCmdReset:
		if err = pipe.waitDone(); err == nil {
			pipe.retirePending(pkg.TransferStatusCancelled)
			if cmd == PipeCmdReset {
				pipe.state = PipeStateActive
			}
		}
	case PipeCmdClear:
		if pipe.state != PipeStateHalted {
			err = pkg.ErrInvalidState
			break
		}
		pipe.state = PipeStateActive
		if pipe.canStartNext() {
			pipe.startNext()
		}
	case PipeCmdHalt:
		if err = pipe.waitDone(); err == nil {
			pipe.state = PipeStateHalted
		}
	default:
		err = pkg.ErrInvalidArg
	}

	pipe.flags.cmdProcessing = false
	state := pipe.state
	d.cs.Exit()

	pkg.LogDebug(pkg.ComponentPipe, "pipe command",
		"channel", pipe.ch, "command", cmd, "state", state, "error", err)
	return err
}

// State returns the pipe's state.
func (pipe *Pipe) State() PipeState {
	pipe.port.drv.cs.Enter()
	defer pipe.port.drv.cs.Exit()
	return pipe.state
}

// LastEvent returns the last event the pipe raised.
func (pipe *Pipe) LastEvent() PipeEvent {
	pipe.port.drv.cs.Enter()
	defer pipe.port.drv.cs.Exit()
	return pipe.lastEvent
}

// Endpoint returns the programmed endpoint characteristics.
func (pipe *Pipe) Endpoint() hal.EndpointChar {
	pipe.port.drv.cs.Enter()
	defer pipe.port.drv.cs.Exit()
	return pipe.ep
}

// Channel returns the index of the hardware channel the pipe holds.
func (pipe *Pipe) Channel() int {
	return pipe.ch
}

// Port returns the port the pipe is routed through.
func (pipe *Pipe) Port() *Port {
	return pipe.port
}

// Context returns the caller context from PipeConfig.
func (pipe *Pipe) Context() any {
	return pipe.context
}

// NumRequests returns the number of pending and done requests and whether
// one is in flight.
func (pipe *Pipe) NumRequests() (pending, done int, inflight bool) {
	pipe.port.drv.cs.Enter()
	defer pipe.port.drv.cs.Exit()
	return pipe.pending.Len(), pipe.done.Len(), pipe.inflight != nil
}

// -----------------------------------------------------------------------------
// Internals. All run with drv.cs held.
// -----------------------------------------------------------------------------

// waitDone blocks until the in-flight request, if any, has finished.
// The interrupt handler does not start the next request while a command
// waits.
func (pipe *Pipe) waitDone() error {
	if pipe.inflight == nil {
		return nil
	}
	if err := pipe.notif.Arm(); err != nil {
		return err
	}
	pipe.flags.waitingXferDone = true

	d := pipe.port.drv
	d.cs.Exit()
	pipe.notif.Wait()
	d.cs.Enter()

	pipe.flags.waitingXferDone = false
	if pipe.state == PipeStateInvalid {
		return pkg.ErrInvalidResponse
	}
	return nil
}

// canStartNext reports whether the head of the pending queue may start.
func (pipe *Pipe) canStartNext() bool {
	return pipe.state == PipeStateActive &&
		!pipe.flags.paused &&
		!pipe.flags.waitingXferDone &&
		pipe.inflight == nil &&
		pipe.pending.Len() > 0 &&
		pipe.port.flags.connDevEna
}

// startNext moves the head of the pending queue in flight.
func (pipe *Pipe) startNext() {
	req := pipe.pending.Remove(pipe.pending.Front()).(*TransferRequest)
	req.elem = nil
	pipe.start(req)
}

// retire moves req to the done queue with the given result.
func (pipe *Pipe) retire(req *TransferRequest, status pkg.TransferStatus) {
	req.irp.Status = status
	if status != pkg.TransferStatusCompleted {
		req.irp.ActualNumBytes = 0
	}
	req.state = RequestStateDone
	req.elem = pipe.done.PushBack(req)
}

// retirePending retires every pending request with status.
func (pipe *Pipe) retirePending(status pkg.TransferStatus) {
	for e := pipe.pending.Front(); e != nil; e = pipe.pending.Front() {
		req := pipe.pending.Remove(e).(*TransferRequest)
		pipe.retire(req, status)
	}
}

// invalidate marks the pipe unusable after the device was lost. Every
// outstanding request is retired with NoDevice and a waiting pipe command
// is woken.
func (pipe *Pipe) invalidate() {
	d := pipe.port.drv
	pipe.state = PipeStateInvalid
	pipe.lastEvent = PipeEventInvalid
	if req := pipe.inflight; req != nil {
		d.hal.ChannelRequestHalt(pipe.ch)
		d.hal.ChannelSlotRelease(pipe.ch)
		pipe.inflight = nil
		pipe.retire(req, pkg.TransferStatusNoDevice)
	}
	pipe.retirePending(pkg.TransferStatusNoDevice)
	pipe.flags.pausePending = false
	if pipe.flags.waitingXferDone {
		pipe.notif.Notify()
	}
}

// handleChannelEvent advances the pipe on a channel interrupt and returns
// the pipe event to report, if any.
func (pipe *Pipe) handleChannelEvent(ev hal.ChannelEvent) (PipeEvent, bool) {
	d := pipe.port.drv
	if pipe.inflight == nil {
		return PipeEventNone, false
	}

	switch ev {
	case hal.ChannelEventSlotHalt:
		if pipe.ep.Type == hal.TransferControl {
			pipe.controlContinue()
			return PipeEventNone, false
		}
		// Bulk lists hold one descriptor, so a halt ends the transfer.
		fallthrough
	case hal.ChannelEventSlotDone:
		pipe.lastEvent = PipeEventXferReqDone
		pipe.xferDone()
	case hal.ChannelEventError:
		cerr := d.hal.ChannelError(pipe.ch)
		d.hal.ChannelClearError(pipe.ch)
		pipe.lastEvent = pipeEventFromError(cerr)
		pipe.state = PipeStateHalted
		d.hal.ChannelSlotRelease(pipe.ch)
		req := pipe.inflight
		pipe.inflight = nil
		pipe.retire(req, transferStatusFromEvent(pipe.lastEvent))
		pkg.LogDebug(pkg.ComponentXfer, "transfer error",
			"channel", pipe.ch, "error", cerr)
	default:
		return PipeEventNone, false
	}
	return pipe.lastEvent, pipe.afterXfer()
}

// controlContinue programs and starts the next stage of a control transfer
// after the channel halted at the end of the previous one.
func (pipe *Pipe) controlContinue() {
	h := pipe.port.drv.hal
	switch h.ChannelNextDescIndex(pipe.ch) {
	case 1:
		if pipe.flags.ctrlDataSkip {
			pipe.flags.ctrlStage = controlStageStatus
			h.ChannelSetDirection(pipe.ch, true)
			h.ChannelSetPID(pipe.ch, hal.PIDData1)
			h.ChannelActivate(pipe.ch, 1)
			return
		}
		pipe.flags.ctrlStage = controlStageData
		h.ChannelSetDirection(pipe.ch, pipe.flags.ctrlDataIn)
	case 2:
		pipe.flags.ctrlStage = controlStageStatus
		h.ChannelSetDirection(pipe.ch, !pipe.flags.ctrlDataIn)
	default:
		return
	}
	h.ChannelSetPID(pipe.ch, hal.PIDData1)
	h.ChannelActivate(pipe.ch, 0)
}

// afterXfer finishes bookkeeping once the in-flight request was retired:
// completes a deferred pause, wakes a waiting pipe command, or starts the
// next pending request. Returns whether a task was woken.
func (pipe *Pipe) afterXfer() bool {
	p := pipe.port
	yield := false
	if pipe.flags.pausePending {
		pipe.flags.pausePending = false
		p.flags.numPipesWaitingPause--
		if p.flags.numPipesWaitingPause == 0 && p.flags.waitingAllPipesPause {
			yield = p.notif.Notify()
		}
	}
	if pipe.flags.waitingXferDone {
		yield = pipe.notif.Notify() || yield
	} else if pipe.canStartNext() {
		pipe.startNext()
	}
	return yield
}

func pipeEventFromError(e hal.ChannelError) PipeEvent {
	switch e {
	case hal.ChannelErrorNotAvail:
		return PipeEventErrorXferNotAvail
	case hal.ChannelErrorBabble:
		return PipeEventErrorOverflow
	case hal.ChannelErrorStall:
		return PipeEventErrorStall
	default:
		return PipeEventErrorXfer
	}
}

func transferStatusFromEvent(ev PipeEvent) pkg.TransferStatus {
	switch ev {
	case PipeEventErrorOverflow:
		return pkg.TransferStatusOverflow
	case PipeEventErrorStall:
		return pkg.TransferStatusStall
	case PipeEventInvalid:
		return pkg.TransferStatusNoDevice
	default:
		return pkg.TransferStatusError
	}
}
