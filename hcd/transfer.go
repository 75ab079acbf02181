package hcd

import (
	"container/list"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// IRP describes one transfer's buffer and, once done, its result.
//
// For control transfers Data begins with the 8-byte setup packet and is
// followed by NumBytes of data stage. For bulk transfers Data holds
// NumBytes of payload.
type IRP struct {
	Data           []byte
	NumBytes       int
	ActualNumBytes int
	Status         pkg.TransferStatus
}

// TransferRequest binds an IRP to a pipe. The caller owns the request; the
// zero value is an idle request with no target.
type TransferRequest struct {
	// Guarded by the target pipe's driver critical section once enqueued.
	state   RequestState
	pipe    *Pipe
	irp     *IRP
	context any
	elem    *list.Element
}

// SetTarget binds the request to a pipe and IRP. The request must be idle.
func (r *TransferRequest) SetTarget(pipe *Pipe, irp *IRP, context any) error {
	if r.pipe != nil {
		r.pipe.port.drv.cs.Enter()
		defer r.pipe.port.drv.cs.Exit()
	}
	if r.state != RequestStateIdle {
		return pkg.ErrInvalidState
	}
	r.pipe = pipe
	r.irp = irp
	r.context = context
	return nil
}

// Target returns the pipe, IRP and context the request is bound to.
func (r *TransferRequest) Target() (*Pipe, *IRP, any) {
	return r.pipe, r.irp, r.context
}

// State returns the request's lifecycle state.
func (r *TransferRequest) State() RequestState {
	if r.pipe == nil {
		return r.state
	}
	r.pipe.port.drv.cs.Enter()
	defer r.pipe.port.drv.cs.Exit()
	return r.state
}

// Enqueue queues the request on its pipe. An idle, unpaused pipe starts it
// at once; otherwise it waits behind earlier requests. Halted pipes accept
// requests and run them after CLEAR.
func (r *TransferRequest) Enqueue() error {
	pipe := r.pipe
	if pipe == nil || r.irp == nil {
		return pkg.ErrInvalidArg
	}
	if err := validateIRP(pipe.ep.Type, r.irp); err != nil {
		return err
	}

	p := pipe.port
	d := p.drv
	d.cs.Enter()
	if r.state != RequestStateIdle || pipe.freed ||
		pipe.state == PipeStateInvalid || !p.flags.connDevEna ||
		pipe.flags.cmdProcessing {
		d.cs.Exit()
		return pkg.ErrInvalidState
	}

	p.moveToQueued(pipe)
	if pipe.pending.Len() == 0 && pipe.inflight == nil &&
		pipe.state == PipeStateActive && !pipe.flags.paused {
		pipe.start(r)
	} else {
		r.state = RequestStatePending
		r.elem = pipe.pending.PushBack(r)
	}
	state := r.state
	d.cs.Exit()

	pkg.LogDebug(pkg.ComponentXfer, "request enqueued",
		"channel", pipe.ch, "numBytes", r.irp.NumBytes, "state", state)
	return nil
}

// Abort retires a pending request as cancelled without touching the
// channel. Requests in any other state are left alone.
func (r *TransferRequest) Abort() error {
	pipe := r.pipe
	if pipe == nil {
		return nil
	}
	d := pipe.port.drv
	d.cs.Enter()
	defer d.cs.Exit()
	if r.state != RequestStatePending {
		return nil
	}
	pipe.pending.Remove(r.elem)
	pipe.retire(r, pkg.TransferStatusCancelled)
	return nil
}

// Dequeue removes the oldest done request, or returns nil if none is done.
// Draining both queues returns the pipe to the port's idle list.
func (pipe *Pipe) Dequeue() *TransferRequest {
	p := pipe.port
	d := p.drv
	d.cs.Enter()
	defer d.cs.Exit()

	e := pipe.done.Front()
	if e == nil {
		return nil
	}
	req := pipe.done.Remove(e).(*TransferRequest)
	req.elem = nil
	req.state = RequestStateIdle
	if pipe.pending.Len() == 0 && pipe.inflight == nil && pipe.done.Len() == 0 {
		p.moveToIdle(pipe)
	}
	return req
}

func validateIRP(t hal.TransferType, irp *IRP) error {
	if irp.NumBytes < 0 {
		return pkg.ErrInvalidArg
	}
	need := irp.NumBytes
	if t == hal.TransferControl {
		need += hal.SetupPacketSize
	}
	if len(irp.Data) < need {
		return pkg.ErrInvalidArg
	}
	return nil
}

// -----------------------------------------------------------------------------
// Descriptor fill and parse. All run with drv.cs held.
// -----------------------------------------------------------------------------

// start fills the descriptor list for req and activates the channel.
func (pipe *Pipe) start(req *TransferRequest) {
	h := pipe.port.drv.hal
	req.state = RequestStateInflight
	req.irp.ActualNumBytes = 0
	pipe.inflight = req

	if pipe.ep.Type == hal.TransferControl {
		pipe.fillControl(req.irp)
		h.ChannelSetDirection(pipe.ch, false)
		h.ChannelSetPID(pipe.ch, hal.PIDData0)
	} else {
		pipe.fillBulk(req.irp)
		h.ChannelSetDirection(pipe.ch, pipe.ep.IsIn())
	}
	h.ChannelSlotAcquire(pipe.ch, pipe.descs)
	h.ChannelActivate(pipe.ch, 0)
}

// fillControl programs the SETUP, DATA and STATUS stages. Every stage halts
// the channel so the next one can be programmed from the interrupt handler.
func (pipe *Pipe) fillControl(irp *IRP) {
	dataIn := irp.Data[0]&hal.RequestTypeDirIn != 0
	skip := irp.NumBytes == 0

	pipe.flags.ctrlStage = controlStageSetup
	pipe.flags.ctrlDataIn = dataIn
	pipe.flags.ctrlDataSkip = skip

	pipe.descs.Fill(0, irp.Data[:hal.SetupPacketSize], hal.DescFlagSetup|hal.DescFlagHalt)
	if skip {
		pipe.descs.Clear(1)
	} else {
		flags := hal.DescFlagHalt
		if dataIn {
			flags |= hal.DescFlagIn
		}
		end := hal.SetupPacketSize + irp.NumBytes
		pipe.descs.Fill(1, irp.Data[hal.SetupPacketSize:end], flags)
	}

	// Status is the opposite direction of data, or IN without data.
	flags := hal.DescFlagHalt
	if skip || !dataIn {
		flags |= hal.DescFlagIn
	}
	pipe.descs.Fill(2, nil, flags)
}

func (pipe *Pipe) fillBulk(irp *IRP) {
	flags := hal.DescFlagHalt
	if pipe.ep.IsIn() {
		flags |= hal.DescFlagIn
	}
	pipe.descs.Fill(0, irp.Data[:irp.NumBytes], flags)
}

// xferDone takes the descriptor list back from the channel, parses the
// result into the in-flight IRP and retires it.
func (pipe *Pipe) xferDone() {
	pipe.port.drv.hal.ChannelSlotRelease(pipe.ch)
	req := pipe.inflight
	pipe.inflight = nil

	var (
		remaining int
		status    = hal.DescStatusSuccess
	)
	switch {
	case pipe.ep.Type != hal.TransferControl:
		remaining, status = pipe.descs.Parse(0)
	case pipe.flags.ctrlDataSkip:
		_, status = pipe.descs.Parse(2)
	default:
		remaining, status = pipe.descs.Parse(1)
	}

	if status != hal.DescStatusSuccess {
		pipe.lastEvent = PipeEventErrorXfer
		pipe.state = PipeStateHalted
		pipe.retire(req, pkg.TransferStatusError)
		pkg.LogDebug(pkg.ComponentXfer, "descriptor failed",
			"channel", pipe.ch, "status", status)
		return
	}
	req.irp.ActualNumBytes = req.irp.NumBytes - remaining
	pipe.retire(req, pkg.TransferStatusCompleted)
}
