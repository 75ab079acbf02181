package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/hcd/hal/sim"
	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/pkg"
)

// Error types for script execution.
var (
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("usage")
)

// runner executes script commands against a simulated controller.
type runner struct {
	ctrl  *sim.Controller
	port  *hcd.Port
	host  *host.Host
	speed hal.Speed

	// transferTimeout bounds every bulk and enumeration request.
	transferTimeout time.Duration

	dev *sim.Device
}

// run executes every line of script. Blank lines and # comments are
// skipped. It stops at the first failing command.
func (r *runner) run(ctx context.Context, script io.Reader) error {
	scanner := bufio.NewScanner(script)
	line := 0
	for scanner.Scan() {
		line++
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if len(args) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pkg.LogDebug(component, "command", "line", line, "args", args)
		if err := r.exec(ctx, args); err != nil {
			return fmt.Errorf("line %d: %s: %w", line, args[0], err)
		}
	}
	return scanner.Err()
}

func (r *runner) exec(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "power":
		if len(args) != 1 {
			return fmt.Errorf("%w: power on|off", errUsage)
		}
		switch args[0] {
		case "on":
			return r.port.Command(hcd.PortCmdPowerOn)
		case "off":
			return r.port.Command(hcd.PortCmdPowerOff)
		}
		return fmt.Errorf("%w: power on|off", errUsage)

	case "connect":
		speed := r.speed
		if len(args) > 0 {
			s, err := parseSpeed(args[0])
			if err != nil {
				return err
			}
			speed = s
		}
		r.dev = sim.NewDevice(sim.DeviceConfig{
			Speed:     speed,
			VendorID:  0x1209,
			ProductID: 0x0001,
			BulkIn:    0x81,
			BulkOut:   0x02,
			Product:   "hcdsim",
		})
		r.ctrl.Connect(r.dev)
		return nil

	case "disconnect":
		r.ctrl.Disconnect()
		return nil

	case "overcurrent":
		r.ctrl.Overcurrent()
		return nil

	case "fault":
		r.ctrl.Fault()
		return nil

	case "reset":
		return r.port.Command(hcd.PortCmdReset)
	case "suspend":
		return r.port.Command(hcd.PortCmdSuspend)
	case "resume":
		return r.port.Command(hcd.PortCmdResume)
	case "disable":
		return r.port.Command(hcd.PortCmdDisable)
	case "recover":
		return r.port.Recover()

	case "event":
		ctx, cancel := r.timeout(ctx)
		defer cancel()
		ev, err := r.host.HandleEvent(ctx)
		pkg.LogInfo(component, "event handled", "event", ev)
		return err

	case "enumerate":
		ctx, cancel := r.timeout(ctx)
		defer cancel()
		_, err := r.host.Enumerate(ctx)
		return err

	case "wait-device":
		return r.waitDevice(ctx, args)

	case "queue":
		if len(args) != 2 {
			return fmt.Errorf("%w: queue <ep> <data>", errUsage)
		}
		if r.dev == nil {
			return pkg.ErrNoDevice
		}
		ep, err := parseEndpoint(args[0])
		if err != nil {
			return err
		}
		r.dev.QueueIn(ep, []byte(args[1]))
		return nil

	case "bulk-in":
		return r.bulkIn(ctx, args)
	case "bulk-out":
		return r.bulkOut(ctx, args)

	case "stall":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return fmt.Errorf("%w: stall <ep> on|off", errUsage)
		}
		if r.dev == nil {
			return pkg.ErrNoDevice
		}
		ep, err := parseEndpoint(args[0])
		if err != nil {
			return err
		}
		r.dev.SetStall(ep, args[1] == "on")
		return nil

	case "clear-halt":
		if len(args) != 1 {
			return fmt.Errorf("%w: clear-halt <ep>", errUsage)
		}
		ep, err := parseEndpoint(args[0])
		if err != nil {
			return err
		}
		dev, err := r.device()
		if err != nil {
			return err
		}
		ctx, cancel := r.timeout(ctx)
		defer cancel()
		return dev.ClearEndpointHalt(ctx, ep)

	case "state":
		r.logState()
		return nil

	case "sleep":
		if len(args) != 1 {
			return fmt.Errorf("%w: sleep <duration>", errUsage)
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w %q", errUnknownCommand, cmd)
}

func (r *runner) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.transferTimeout)
}

func (r *runner) device() (*host.Device, error) {
	dev := r.host.Device()
	if dev == nil {
		return nil, pkg.ErrNoDevice
	}
	return dev, nil
}

// waitDevice polls until the host has enumerated a device.
func (r *runner) waitDevice(ctx context.Context, args []string) error {
	limit := r.transferTimeout
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		limit = d
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for r.host.Device() == nil {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *runner) bulkIn(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: bulk-in <ep> <len>", errUsage)
	}
	ep, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return fmt.Errorf("%w: length %q", pkg.ErrInvalidArg, args[1])
	}
	dev, err := r.device()
	if err != nil {
		return err
	}
	pipe, err := dev.OpenBulk(ep)
	if err != nil {
		return err
	}

	ctx, cancel := r.timeout(ctx)
	defer cancel()
	buf := make([]byte, n)
	n, err = pipe.Read(ctx, buf)
	if cerr := pipe.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	pkg.LogInfo(component, "bulk in", "endpoint", ep, "bytes", n,
		"data", hex.EncodeToString(buf[:n]))
	return nil
}

func (r *runner) bulkOut(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: bulk-out <ep> <data>", errUsage)
	}
	ep, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	dev, err := r.device()
	if err != nil {
		return err
	}
	pipe, err := dev.OpenBulk(ep)
	if err != nil {
		return err
	}

	ctx, cancel := r.timeout(ctx)
	defer cancel()
	n, err := pipe.Write(ctx, []byte(args[1]))
	if cerr := pipe.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	pkg.LogInfo(component, "bulk out", "endpoint", ep, "bytes", n,
		"received", string(r.dev.Received(ep)))
	return nil
}

func (r *runner) logState() {
	st := r.ctrl.Status()
	idle, queued := r.port.NumPipes()
	args := []any{
		"port", r.port.State(),
		"powered", st.Powered,
		"connected", st.Connected,
		"enabled", st.Enabled,
		"suspended", st.Suspended,
		"pipesIdle", idle,
		"pipesQueued", queued,
		"channels", r.ctrl.NumAllocated(),
	}
	if dev := r.host.Device(); dev != nil {
		args = append(args,
			"address", dev.Address(),
			"device", dev.State(),
			"product", dev.Product())
	}
	pkg.LogInfo(component, "state", args...)
}

func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "low":
		return hal.SpeedLow, nil
	case "full":
		return hal.SpeedFull, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("%w: speed %q", pkg.ErrInvalidArg, s)
}

func parseEndpoint(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: endpoint %q", pkg.ErrInvalidArg, s)
	}
	return uint8(v), nil
}
