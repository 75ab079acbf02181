package sim

import (
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

type channel struct {
	allocated bool
	ep        hal.EndpointChar
	in        bool
	pid       hal.PID
	list      hal.DescriptorList
	next      int
	active    bool
	held      bool // Activated while holding, waiting for Complete or Fail
	event     hal.ChannelEvent
	err       hal.ChannelError
}

func (ch *channel) reset() {
	ch.active = false
	ch.held = false
	ch.event = hal.ChannelEventNone
	ch.err = hal.ChannelErrorNone
	ch.next = 0
}

// Transaction records one descriptor the controller executed.
type Transaction struct {
	Channel int
	DevAddr uint8
	EP      uint8 // Endpoint address
	Setup   bool
	In      bool
	PID     hal.PID
	Len     int
	Result  hal.ChannelError // ChannelErrorNone on success

	// Request is the decoded packet of a setup transaction.
	Request hal.SetupPacket
}

// ChannelInfo is a snapshot of one host channel.
type ChannelInfo struct {
	Allocated bool
	Endpoint  hal.EndpointChar
	In        bool
	PID       hal.PID
	Active    bool
	Held      bool
	NextDesc  int
	HasSlot   bool
	Slot      hal.DescriptorList // Descriptor list currently acquired, if any
}

// -----------------------------------------------------------------------------
// hal.ChannelHAL
// -----------------------------------------------------------------------------

func (c *Controller) ChannelAlloc() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.chans {
		if !c.chans[i].allocated {
			c.chans[i] = channel{allocated: true}
			return i, true
		}
	}
	return 0, false
}

func (c *Controller) ChannelFree(ch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(ch) {
		c.chans[ch] = channel{}
	}
}

func (c *Controller) ChannelPending() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.chans {
		if c.chans[i].event != hal.ChannelEventNone {
			return i, true
		}
	}
	return 0, false
}

func (c *Controller) ChannelDecode(ch int) hal.ChannelEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(ch) {
		return hal.ChannelEventNone
	}
	ev := c.chans[ch].event
	c.chans[ch].event = hal.ChannelEventNone
	return ev
}

func (c *Controller) ChannelError(ch int) hal.ChannelError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(ch) {
		return hal.ChannelErrorNone
	}
	return c.chans[ch].err
}

func (c *Controller) ChannelClearError(ch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(ch) {
		c.chans[ch].err = hal.ChannelErrorNone
	}
}

func (c *Controller) ChannelSetEndpoint(ch int, ep hal.EndpointChar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(ch) {
		c.chans[ch].ep = ep
	}
}

func (c *Controller) ChannelSetDirection(ch int, in bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(ch) {
		c.chans[ch].in = in
	}
}

func (c *Controller) ChannelSetPID(ch int, pid hal.PID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(ch) {
		c.chans[ch].pid = pid
	}
}

func (c *Controller) ChannelSlotAcquire(ch int, list hal.DescriptorList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(ch) {
		c.chans[ch].list = list
		c.chans[ch].next = 0
	}
}

func (c *Controller) ChannelSlotRelease(ch int) hal.DescriptorList {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(ch) {
		return nil
	}
	list := c.chans[ch].list
	c.chans[ch].list = nil
	c.chans[ch].next = 0
	c.chans[ch].active = false
	c.chans[ch].held = false
	return list
}

// ChannelActivate starts the channel. While holding, an activation at the
// head of a descriptor list parks until Complete or Fail.
func (c *Controller) ChannelActivate(ch int, skip int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(ch) || c.chans[ch].list == nil {
		return
	}
	chn := &c.chans[ch]
	chn.next += skip
	chn.active = true
	if c.hold && chn.next == 0 {
		chn.held = true
		return
	}
	c.execute(ch)
	c.raiseDeferred(hal.PortEventChannel)
}

func (c *Controller) ChannelNextDescIndex(ch int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(ch) {
		return 0
	}
	return c.chans[ch].next
}

func (c *Controller) ChannelRequestHalt(ch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(ch) || !c.chans[ch].active {
		return true
	}
	c.chans[ch].active = false
	c.chans[ch].held = false
	c.chans[ch].event = hal.ChannelEventHaltRequest
	c.raiseDeferred(hal.PortEventChannel)
	return false
}

// valid reports whether ch is an allocated channel. Called with mu held.
func (c *Controller) valid(ch int) bool {
	return ch >= 0 && ch < len(c.chans) && c.chans[ch].allocated
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// execute runs descriptors from the channel's current position until one
// carries the halt flag or the list ends, then latches the channel event.
// Called with mu held.
func (c *Controller) execute(ch int) {
	chn := &c.chans[ch]
	for chn.next < len(chn.list) {
		d := &chn.list[chn.next]
		if d.IsNull() {
			chn.next++
			continue
		}
		cerr := c.transact(ch, d)
		tr := Transaction{
			Channel: ch,
			DevAddr: chn.ep.DevAddr,
			EP:      chn.ep.Address,
			Setup:   d.Has(hal.DescFlagSetup),
			In:      d.Has(hal.DescFlagIn),
			PID:     chn.pid,
			Len:     len(d.Buf),
			Result:  cerr,
		}
		if tr.Setup {
			hal.ParseSetupPacket(d.Buf, &tr.Request)
		}
		c.trace = append(c.trace, tr)
		if cerr != hal.ChannelErrorNone {
			d.Status = hal.DescStatusPacketError
			c.latchError(chn, cerr)
			return
		}
		d.Status = hal.DescStatusSuccess
		chn.next++
		if d.Has(hal.DescFlagHalt) {
			break
		}
	}
	chn.active = false
	if chn.next >= len(chn.list) {
		chn.event = hal.ChannelEventSlotDone
	} else {
		chn.event = hal.ChannelEventSlotHalt
	}
}

func (c *Controller) latchError(chn *channel, cerr hal.ChannelError) {
	chn.active = false
	chn.held = false
	chn.err = cerr
	chn.event = hal.ChannelEventError
}

// transact moves one descriptor's data between the channel and the device.
// Called with mu held.
func (c *Controller) transact(ch int, d *hal.Descriptor) hal.ChannelError {
	chn := &c.chans[ch]
	dev := c.device
	if dev == nil || !c.powered || !c.enabled || c.suspended {
		return hal.ChannelErrorXact
	}
	if chn.in != d.Has(hal.DescFlagIn) {
		pkg.LogWarn(pkg.ComponentSim, "channel direction disagrees with descriptor",
			"channel", ch, "in", chn.in)
		return hal.ChannelErrorXact
	}
	if chn.ep.DevAddr != dev.Address() {
		return hal.ChannelErrorXact
	}

	switch {
	case d.Has(hal.DescFlagSetup):
		if chn.pid != hal.PIDData0 || len(d.Buf) != hal.SetupPacketSize {
			return hal.ChannelErrorXact
		}
		return dev.setup(d.Buf)
	case chn.ep.Type == hal.TransferControl:
		n, cerr := dev.controlData(d.Buf, d.Has(hal.DescFlagIn))
		if cerr == hal.ChannelErrorNone {
			d.Remaining = len(d.Buf) - n
		}
		return cerr
	default:
		n, cerr := dev.bulk(chn.ep.Address, d.Buf, d.Has(hal.DescFlagIn))
		if cerr == hal.ChannelErrorNone {
			d.Remaining = len(d.Buf) - n
		}
		return cerr
	}
}

// -----------------------------------------------------------------------------
// Stimuli and inspection
// -----------------------------------------------------------------------------

// SetHold makes new transfers park at activation until Complete or Fail.
func (c *Controller) SetHold(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = on
}

// Complete runs a parked channel. Returns false if ch was not parked.
func (c *Controller) Complete(ch int) bool {
	c.mu.Lock()
	if !c.valid(ch) || !c.chans[ch].held {
		c.mu.Unlock()
		return false
	}
	c.chans[ch].held = false
	c.execute(ch)
	c.raise(hal.PortEventChannel)
	c.mu.Unlock()
	c.service()
	return true
}

// Fail ends a parked or active channel with err. Returns false if ch was
// idle.
func (c *Controller) Fail(ch int, err hal.ChannelError) bool {
	c.mu.Lock()
	if !c.valid(ch) || !c.chans[ch].active {
		c.mu.Unlock()
		return false
	}
	c.latchError(&c.chans[ch], err)
	c.raise(hal.PortEventChannel)
	c.mu.Unlock()
	c.service()
	return true
}

// Channel returns a snapshot of channel ch.
func (c *Controller) Channel(ch int) ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.chans) {
		return ChannelInfo{}
	}
	chn := &c.chans[ch]
	return ChannelInfo{
		Allocated: chn.allocated,
		Endpoint:  chn.ep,
		In:        chn.in,
		PID:       chn.pid,
		Active:    chn.active,
		Held:      chn.held,
		NextDesc:  chn.next,
		HasSlot:   chn.list != nil,
		Slot:      chn.list,
	}
}

// NumAllocated returns the number of allocated channels.
func (c *Controller) NumAllocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.chans {
		if c.chans[i].allocated {
			n++
		}
	}
	return n
}

// Trace returns the transactions executed so far.
func (c *Controller) Trace() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transaction, len(c.trace))
	copy(out, c.trace)
	return out
}

// ResetTrace discards recorded transactions.
func (c *Controller) ResetTrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = c.trace[:0]
}
