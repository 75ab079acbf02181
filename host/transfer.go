package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Ownership of a submitted request, see xfer.state.
const (
	xferWaiting   int32 = iota // The submitter is blocked on done
	xferFinished               // Reaped while the submitter was waiting
	xferAbandoned              // The submitter gave up while in flight
)

// xfer is the context attached to every transfer request the host submits.
// done is closed once the request has been dequeued from its pipe.
type xfer struct {
	done  chan struct{}
	state atomic.Int32
}

// endpoint wraps an HCD pipe with blocking, cancellable transfers.
type endpoint struct {
	pipe *hcd.Pipe

	// halted is signalled when an abandoned request halted the pipe and
	// no submitter was left to clear it.
	halted chan struct{}
}

// openEndpoint allocates a pipe whose callback reaps finished requests.
func openEndpoint(port *hcd.Port, cfg hcd.PipeConfig) (*endpoint, error) {
	e := &endpoint{halted: make(chan struct{}, 1)}
	cfg.Callback = hcd.PipeCallbackFunc(e.onPipeEvent)
	pipe, err := port.PipeAlloc(cfg)
	if err != nil {
		return nil, err
	}
	e.pipe = pipe
	return e, nil
}

// onPipeEvent runs from the interrupt handler, or from the port task when
// the pipe is invalidated.
func (e *endpoint) onPipeEvent(pipe *hcd.Pipe, ev hcd.PipeEvent, inISR bool) bool {
	return e.reap(pipe)
}

// reap dequeues every done request on pipe and wakes its submitter.
func (e *endpoint) reap(pipe *hcd.Pipe) bool {
	woke := false
	for req := pipe.Dequeue(); req != nil; req = pipe.Dequeue() {
		_, irp, ctx := req.Target()
		if ctx == nil {
			continue
		}
		x := ctx.(*xfer)
		if !x.state.CompareAndSwap(xferWaiting, xferFinished) && haltsPipe(irp.Status) {
			select {
			case e.halted <- struct{}{}:
			default:
			}
		}
		close(x.done)
		woke = true
	}
	return woke
}

// haltsPipe reports whether a request that ended with status left its pipe
// halted.
func haltsPipe(status pkg.TransferStatus) bool {
	switch status {
	case pkg.TransferStatusError, pkg.TransferStatusOverflow, pkg.TransferStatusStall:
		return true
	}
	return false
}

// clear returns a halted pipe to active so queued requests run.
func (e *endpoint) clear() {
	if err := e.pipe.Command(hcd.PipeCmdClear); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "pipe clear failed",
			"channel", e.pipe.Channel(), "error", err)
	}
}

// submit enqueues irp and blocks until it is done or ctx ends.
//
// A request still pending when ctx ends is cancelled. A request already in
// flight keeps running; its buffer must not be reused until the endpoint
// is closed. If it later halts the pipe, the next submitter clears it.
func (e *endpoint) submit(ctx context.Context, irp *hcd.IRP) error {
	x := &xfer{done: make(chan struct{})}
	req := &hcd.TransferRequest{}
	if err := req.SetTarget(e.pipe, irp, x); err != nil {
		return err
	}
	if err := req.Enqueue(); err != nil {
		return err
	}

	for waiting := true; waiting; {
		select {
		case <-x.done:
			waiting = false
		case <-e.halted:
			e.clear()
		case <-ctx.Done():
			_ = req.Abort()
			e.reap(e.pipe)
			if x.state.CompareAndSwap(xferWaiting, xferAbandoned) {
				pkg.LogDebug(pkg.ComponentHost, "abandoned in-flight transfer",
					"channel", e.pipe.Channel())
				return contextErr(ctx)
			}
			<-x.done
			if irp.Status == pkg.TransferStatusCancelled {
				return contextErr(ctx)
			}
			waiting = false
		}
	}

	if haltsPipe(irp.Status) {
		e.clear()
	}
	return irp.Status.Err()
}

// contextErr reports why ctx ended. A passed deadline is also
// [pkg.ErrTimeout].
func contextErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, err)
	}
	return err
}

// control runs a control transfer. data is the data stage, in either
// direction.
func (e *endpoint) control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if int(setup.Length) > len(data) {
		return 0, pkg.ErrInvalidArg
	}
	n := int(setup.Length)
	irp := &hcd.IRP{Data: make([]byte, hal.SetupPacketSize+n), NumBytes: n}
	setup.MarshalTo(irp.Data)
	if !setup.IsIn() {
		copy(irp.Data[hal.SetupPacketSize:], data[:n])
	}
	if err := e.submit(ctx, irp); err != nil {
		return 0, err
	}
	if setup.IsIn() {
		copy(data, irp.Data[hal.SetupPacketSize:hal.SetupPacketSize+irp.ActualNumBytes])
	}
	return irp.ActualNumBytes, nil
}

// close aborts pending requests and frees the pipe.
func (e *endpoint) close() error {
	if e.pipe.State() != hcd.PipeStateInvalid {
		if err := e.pipe.Command(hcd.PipeCmdAbort); err != nil {
			pkg.LogDebug(pkg.ComponentHost, "pipe abort failed",
				"channel", e.pipe.Channel(), "error", err)
		}
	}
	e.reap(e.pipe)
	return e.pipe.Free()
}

// BulkPipe moves data over one bulk endpoint of a configured device.
type BulkPipe struct {
	device *Device
	ep     EndpointDescriptor
	e      *endpoint
}

// Endpoint returns the endpoint descriptor the pipe was opened on.
func (p *BulkPipe) Endpoint() EndpointDescriptor {
	return p.ep
}

// Device returns the device this pipe is connected to.
func (p *BulkPipe) Device() *Device {
	return p.device
}

// Transfer moves buf over the endpoint in its native direction and returns
// the number of bytes transferred. A short IN transfer is not an error.
func (p *BulkPipe) Transfer(ctx context.Context, buf []byte) (int, error) {
	irp := &hcd.IRP{Data: buf, NumBytes: len(buf)}
	if err := p.e.submit(ctx, irp); err != nil {
		return 0, err
	}
	return irp.ActualNumBytes, nil
}

// Read reads from an IN endpoint.
func (p *BulkPipe) Read(ctx context.Context, data []byte) (int, error) {
	if !p.ep.IsIn() {
		return 0, fmt.Errorf("%w: endpoint 0x%02X is OUT", pkg.ErrInvalidArg, p.ep.EndpointAddress)
	}
	return p.Transfer(ctx, data)
}

// Write writes to an OUT endpoint. Fewer bytes than len(data) is reported
// as [pkg.ErrShortTransfer].
func (p *BulkPipe) Write(ctx context.Context, data []byte) (int, error) {
	if p.ep.IsIn() {
		return 0, fmt.Errorf("%w: endpoint 0x%02X is IN", pkg.ErrInvalidArg, p.ep.EndpointAddress)
	}
	n, err := p.Transfer(ctx, data)
	if err == nil && n < len(data) {
		err = pkg.ErrShortTransfer
	}
	return n, err
}

// Close aborts pending transfers and releases the endpoint's pipe.
func (p *BulkPipe) Close() error {
	p.device.forget(p)
	return p.e.close()
}
