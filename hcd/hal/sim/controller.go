package sim

import (
	"runtime"
	"sync"
	"time"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/osal"
	"github.com/ardnew/softhcd/pkg"
)

// DefaultNumChannels is the channel pool size of a new Controller.
const DefaultNumChannels = 8

// Options configures a Controller.
type Options struct {
	// NumChannels is the number of host channels. Zero selects
	// DefaultNumChannels.
	NumChannels int

	// TimeScale multiplies every Delay. Zero skips sleeping entirely, and
	// pending interrupts are still flushed.
	TimeScale float64

	// InitErr, if set, is returned by Init.
	InitErr error
}

// Controller is a software host controller. It implements [hal.HAL] and
// [osal.Runtime].
//
// Interrupt causes are queued and serviced by running the registered
// handler. Stimuli (Connect, Disconnect, Overcurrent, Fault, Complete and
// Fail) service the interrupt on the calling goroutine and must not be
// called from a driver callback. Causes raised by HAL calls, which the
// driver makes inside its critical section, are serviced on a separate
// goroutine and before every Delay.
type Controller struct {
	opts Options

	// isrMu serializes handler runs.
	isrMu sync.Mutex

	// mu guards everything below. Lock order is the driver's critical
	// section, then mu.
	mu sync.Mutex

	handler     func()
	intrEnabled bool
	causes      []hal.PortEvent

	inited      bool
	hostMode    bool
	softResets  int
	portInited  bool
	powered     bool
	enabled     bool
	resetting   bool
	suspended   bool
	resuming    bool
	debounced   bool // Connection changes are not reported until unlocked
	device      *Device
	overcurrent bool

	chans []channel
	hold  bool
	trace []Transaction
}

// New returns a controller with nothing attached.
func New(opts Options) *Controller {
	if opts.NumChannels <= 0 {
		opts.NumChannels = DefaultNumChannels
	}
	return &Controller{
		opts:  opts,
		chans: make([]channel, opts.NumChannels),
	}
}

// -----------------------------------------------------------------------------
// Interrupt delivery
// -----------------------------------------------------------------------------

type interrupt struct {
	c *Controller
}

func (i *interrupt) Enable() {
	i.c.mu.Lock()
	i.c.intrEnabled = true
	pending := len(i.c.causes) > 0
	i.c.mu.Unlock()
	if pending {
		go i.c.service()
	}
}

func (i *interrupt) Disable() {
	i.c.mu.Lock()
	i.c.intrEnabled = false
	i.c.mu.Unlock()
}

func (i *interrupt) Free() error {
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	if i.c.handler == nil {
		return pkg.ErrInvalidState
	}
	i.c.handler = nil
	i.c.intrEnabled = false
	return nil
}

// raise queues an interrupt cause. Called with mu held.
func (c *Controller) raise(ev hal.PortEvent) {
	if ev == hal.PortEventChannel {
		for _, q := range c.causes {
			if q == hal.PortEventChannel {
				return
			}
		}
	}
	c.causes = append(c.causes, ev)
	pkg.LogDebug(pkg.ComponentSim, "interrupt raised", "cause", ev)
}

// raiseDeferred queues ev from within a HAL call and services it later.
// Called with mu held.
func (c *Controller) raiseDeferred(ev hal.PortEvent) {
	c.raise(ev)
	go c.service()
}

// service runs the handler until no cause is pending.
func (c *Controller) service() {
	c.isrMu.Lock()
	defer c.isrMu.Unlock()
	for {
		c.mu.Lock()
		h := c.handler
		run := h != nil && c.intrEnabled && len(c.causes) > 0
		c.mu.Unlock()
		if !run {
			return
		}
		h()
	}
}

// -----------------------------------------------------------------------------
// osal.Runtime
// -----------------------------------------------------------------------------

// Delay services pending interrupts and then sleeps d scaled by
// Options.TimeScale.
func (c *Controller) Delay(d time.Duration) {
	c.service()
	if c.opts.TimeScale > 0 {
		time.Sleep(time.Duration(float64(d) * c.opts.TimeScale))
		c.service()
		return
	}
	runtime.Gosched()
}

// Yield yields the processor.
func (c *Controller) Yield() {
	runtime.Gosched()
}

// -----------------------------------------------------------------------------
// hal.CoreHAL
// -----------------------------------------------------------------------------

func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.InitErr != nil {
		return c.opts.InitErr
	}
	c.inited = true
	return nil
}

func (c *Controller) Deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inited = false
	c.hostMode = false
}

func (c *Controller) ForceHostMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostMode = true
}

// CoreSoftReset clears every register except line state and channel
// ownership.
func (c *Controller) CoreSoftReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.softResets++
	c.causes = c.causes[:0]
	c.powered = false
	c.enabled = false
	c.resetting = false
	c.suspended = false
	c.resuming = false
	c.debounced = false
	c.overcurrent = false
	for i := range c.chans {
		c.chans[i].reset()
	}
}

func (c *Controller) AllocInterrupt(handler func()) (hal.Interrupt, error) {
	if handler == nil {
		return nil, pkg.ErrInvalidArg
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return nil, pkg.ErrInvalidState
	}
	c.handler = handler
	c.intrEnabled = false
	return &interrupt{c: c}, nil
}

// -----------------------------------------------------------------------------
// hal.PortHAL
// -----------------------------------------------------------------------------

func (c *Controller) PortInit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portInited = true
}

func (c *Controller) PortDeinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portInited = false
}

func (c *Controller) PortTogglePower(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.powered == on {
		return
	}
	c.powered = on
	if on {
		c.overcurrent = false
		if c.device != nil {
			c.lineChange(hal.PortEventConnection, true)
		}
		return
	}
	c.enabled = false
	c.suspended = false
	if c.device != nil {
		c.lineChange(hal.PortEventDisconnection, true)
	}
}

func (c *Controller) PortToggleReset(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetting = on
	if on {
		if c.enabled {
			c.enabled = false
			c.raiseDeferred(hal.PortEventDisabled)
		}
		return
	}
	if c.powered && c.device != nil {
		c.device.busReset()
		c.enabled = true
		c.suspended = false
		c.raiseDeferred(hal.PortEventEnabled)
	}
}

func (c *Controller) PortToggleResume(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resuming = on
	if !on {
		c.suspended = false
	}
}

func (c *Controller) PortSuspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
}

func (c *Controller) PortEnable() {}

func (c *Controller) PortDisable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		c.enabled = false
		c.suspended = false
		c.raiseDeferred(hal.PortEventDisabled)
	}
}

func (c *Controller) PortConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered && c.device != nil
}

func (c *Controller) PortSpeed() hal.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return hal.SpeedUnknown
	}
	return c.device.speed
}

// DisableDebounceLock re-enables reporting of connection changes. Changes
// made while locked are not reported; the driver samples the line instead.
func (c *Controller) DisableDebounceLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debounced = false
}

func (c *Controller) DecodeInterrupt() hal.PortEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.causes) == 0 {
		return hal.PortEventNone
	}
	ev := c.causes[0]
	c.causes = append(c.causes[:0], c.causes[1:]...)
	if ev == hal.PortEventConnection || ev == hal.PortEventDisconnection {
		c.debounced = true
	}
	return ev
}

// lineChange raises a connection change unless the debounce lock holds.
// Called with mu held.
func (c *Controller) lineChange(ev hal.PortEvent, deferred bool) {
	if c.debounced {
		return
	}
	if deferred {
		c.raiseDeferred(ev)
	} else {
		c.raise(ev)
	}
}

// -----------------------------------------------------------------------------
// Stimuli
// -----------------------------------------------------------------------------

// Connect attaches dev to the port.
func (c *Controller) Connect(dev *Device) {
	c.mu.Lock()
	c.device = dev
	if c.powered {
		c.lineChange(hal.PortEventConnection, false)
	}
	c.mu.Unlock()
	c.service()
}

// Disconnect detaches the device from the port.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	wasAttached := c.device != nil
	c.device = nil
	c.enabled = false
	c.suspended = false
	for i := range c.chans {
		c.chans[i].held = false
	}
	if c.powered && wasAttached {
		c.lineChange(hal.PortEventDisconnection, false)
	}
	c.mu.Unlock()
	c.service()
}

// Overcurrent signals an over-current condition on VBUS.
func (c *Controller) Overcurrent() {
	c.mu.Lock()
	c.overcurrent = true
	c.raise(hal.PortEventOvercurrent)
	c.mu.Unlock()
	c.service()
}

// Fault disables an enabled port without being asked, as a port error
// would.
func (c *Controller) Fault() {
	c.mu.Lock()
	if c.enabled {
		c.enabled = false
		c.suspended = false
		c.raise(hal.PortEventDisabled)
	}
	c.mu.Unlock()
	c.service()
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// PortStatus is a snapshot of the simulated port.
type PortStatus struct {
	Powered     bool
	Connected   bool
	Enabled     bool
	Resetting   bool
	Suspended   bool
	Overcurrent bool
	HostMode    bool
	SoftResets  int
}

// Status returns the current port status.
func (c *Controller) Status() PortStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PortStatus{
		Powered:     c.powered,
		Connected:   c.device != nil,
		Enabled:     c.enabled,
		Resetting:   c.resetting,
		Suspended:   c.suspended,
		Overcurrent: c.overcurrent,
		HostMode:    c.hostMode,
		SoftResets:  c.softResets,
	}
}

// Device returns the attached device, or nil.
func (c *Controller) Device() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

var (
	_ hal.HAL       = (*Controller)(nil)
	_ osal.Runtime  = (*Controller)(nil)
	_ hal.Allocator = (*Allocator)(nil)
)
