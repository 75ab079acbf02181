package hcd

import (
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// handleInterrupt services one controller interrupt. It is registered with
// the HAL at install time.
//
// Callbacks run with the critical section released. A true return from any
// callback, or a woken command, makes the handler yield before returning.
func (d *Driver) handleInterrupt() {
	p := d.port
	yield := false

	d.cs.Enter()
	ev := d.hal.DecodeInterrupt()
	switch ev {
	case hal.PortEventNone:

	case hal.PortEventChannel:
		for {
			ch, ok := d.hal.ChannelPending()
			if !ok {
				break
			}
			cev := d.hal.ChannelDecode(ch)
			pipe := d.pipeForChannel(ch)
			if pipe == nil || !p.flags.connDevEna {
				continue
			}
			pev, woke := pipe.handleChannelEvent(cev)
			yield = yield || woke
			if pev == PipeEventNone || pipe.callback == nil {
				continue
			}
			d.cs.Exit()
			yield = pipe.callback.PipeEvent(pipe, pev, true) || yield
			d.cs.Enter()
		}

	default:
		pev, woke := p.handleHALEvent(ev)
		yield = yield || woke
		if pev != PortEventNone {
			p.lastEvent = pev
			p.flags.eventPending = true
			if cb := p.callback; cb != nil {
				d.cs.Exit()
				yield = cb.PortEvent(p, pev, true) || yield
				d.cs.Enter()
			}
		}
	}
	d.cs.Exit()

	if yield {
		d.rt.Yield()
	}
}

// handleHALEvent maps a decoded port interrupt onto the port state machine.
// It returns the port event to surface, if any, and whether a blocked
// command was woken.
func (p *Port) handleHALEvent(ev hal.PortEvent) (PortEvent, bool) {
	h := p.drv.hal
	switch ev {
	case hal.PortEventConnection:
		if p.state == PortStateNotPowered || p.state == PortStateRecovery {
			return PortEventNone, false
		}
		// State is updated after debouncing in HandleEvent.
		return PortEventConnection, false

	case hal.PortEventDisconnection:
		if p.state == PortStateRecovery {
			// Already reported as the cause that forced recovery.
			return PortEventNone, false
		}
		if !p.flags.connDevEna {
			return PortEventDisconnection, false
		}
		p.flags.connDevEna = false
		p.setState(PortStateRecovery)
		pkg.LogWarn(pkg.ComponentISR, "sudden disconnection")
		return PortEventSuddenDisconnection, p.wakeCommand()

	case hal.PortEventEnabled:
		if p.state != PortStateResetting {
			return PortEventNone, false
		}
		h.PortEnable()
		p.speed = h.PortSpeed()
		p.flags.connDevEna = true
		p.setState(PortStateEnabled)
		return PortEventNone, false

	case hal.PortEventDisabled:
		switch {
		case p.flags.disableRequested:
			p.flags.disableRequested = false
			p.flags.connDevEna = false
			p.setState(PortStateDisabled)
			return PortEventNone, p.notif.Notify()
		case p.state == PortStateResetting:
			// Driving reset disables an enabled port.
			return PortEventNone, false
		case p.state == PortStateNotPowered:
			return PortEventNone, false
		default:
			p.flags.connDevEna = false
			p.setState(PortStateRecovery)
			pkg.LogWarn(pkg.ComponentISR, "port disabled unexpectedly")
			return PortEventError, p.wakeCommand()
		}

	case hal.PortEventOvercurrent:
		p.flags.connDevEna = false
		h.PortTogglePower(false)
		p.setState(PortStateRecovery)
		pkg.LogWarn(pkg.ComponentISR, "overcurrent")
		return PortEventOvercurrent, p.wakeCommand()

	default:
		return PortEventNone, false
	}
}
