// Package main drives the host controller driver against a simulated
// controller from a command script.
//
// Usage:
//
//	go run ./cmd/hcdsim [options] [script]
//
// The script is read from the named file, or from standard input if none is
// given. Each line is one command, split like a shell command line; # starts
// a comment.
//
//	power on|off         toggle port power
//	connect [low|full]   attach an emulated device
//	disconnect           detach the device
//	overcurrent          signal over-current on VBUS
//	fault                disable the port as a port error would
//	reset                reset the port
//	suspend | resume     suspend or resume the port
//	disable              disable the port
//	recover              recover the port after a fault
//	event                handle the pending port event (with -manual)
//	enumerate            enumerate the connected device
//	wait-device [dur]    wait until a device is enumerated
//	queue <ep> <data>    queue data on a device IN endpoint
//	bulk-in <ep> <len>   read from a bulk IN endpoint
//	bulk-out <ep> <data> write to a bulk OUT endpoint
//	stall <ep> on|off    make a device endpoint stall
//	clear-halt <ep>      clear an endpoint halt on the device
//	state                log port and device state
//	sleep <dur>          pause the script
//
// Options:
//
//	-v                 Enable verbose (debug) logging
//	-json              Use JSON log format
//	-speed low|full    Default speed for connect (default: full)
//	-channels N        Number of host channels (default: 8)
//	-timing-scale F    Scale factor for bus delays; 0 skips sleeping (default: 0)
//	-timeout duration  Timeout for each transfer (default: 2s)
//	-manual            Do not handle port events automatically
//	-usb-ids path      usb.ids database for device names (default: system copy)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softhcd/hcd"
	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/hcd/hal/sim"
	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/pkg/usbid"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentHost

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	speedName := flag.String("speed", "full", "default speed for connect (low or full)")
	channels := flag.Int("channels", sim.DefaultNumChannels, "number of host channels")
	timingScale := flag.Float64("timing-scale", 0, "scale factor for bus delays")
	transferTimeout := flag.Duration("timeout", 2*time.Second, "timeout for each transfer")
	manual := flag.Bool("manual", false, "do not handle port events automatically")
	usbIDs := flag.String("usb-ids", "", "path to usb.ids for device names")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	speed, err := parseSpeed(*speedName)
	if err != nil {
		pkg.LogError(component, "invalid speed", "error", err)
		os.Exit(2)
	}

	ids := usbid.New()
	if *usbIDs != "" {
		if err := ids.LoadFile(*usbIDs); err != nil {
			pkg.LogError(component, "failed to load usb.ids", "error", err)
			os.Exit(1)
		}
	} else if path, err := ids.LoadDefault(); err != nil {
		pkg.LogDebug(component, "no usb.ids database", "error", err)
	} else {
		pkg.LogDebug(component, "loaded usb.ids", "path", path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		pkg.LogInfo(component, "shutting down")
		cancel()
	}()

	opts := sim.Options{NumChannels: *channels, TimeScale: *timingScale}
	if err := run(ctx, flag.Arg(0), opts, speed, *transferTimeout, ids, *manual); err != nil {
		pkg.LogError(component, "script failed", "error", err)
		cancel()
		os.Exit(1)
	}
	pkg.LogInfo(component, "script complete")
}

// run executes the script at path, or standard input if path is empty,
// against a new simulated controller. Cancellation is not an error.
func run(ctx context.Context, path string, opts sim.Options, speed hal.Speed,
	timeout time.Duration, ids *usbid.Database, manual bool,
) error {
	var script io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open script: %w", err)
		}
		defer f.Close()
		script = f
	}

	r, notify, err := setup(sim.New(opts), speed, timeout, ids)
	if err != nil {
		return fmt.Errorf("start driver: %w", err)
	}

	err = execute(ctx, r, notify, script, manual)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setup installs the driver on ctrl and initializes its port. The returned
// channel receives a value whenever the port reports an event. Connected
// devices are named from ids.
func setup(ctrl *sim.Controller, speed hal.Speed, timeout time.Duration, ids *usbid.Database) (*runner, <-chan struct{}, error) {
	drv, err := hcd.Install(hcd.Config{HAL: ctrl, Runtime: ctrl})
	if err != nil {
		return nil, nil, err
	}

	notify := make(chan struct{}, 1)
	port, err := drv.PortInit(hcd.PortNumber, hcd.PortConfig{
		Callback: hcd.PortCallbackFunc(func(p *hcd.Port, ev hcd.PortEvent, inISR bool) bool {
			select {
			case notify <- struct{}{}:
			default:
			}
			return false
		}),
	})
	if err != nil {
		_ = drv.Uninstall()
		return nil, nil, err
	}

	h := host.New(port)
	h.SetOnDeviceConnect(func(d *host.Device) {
		pkg.LogInfo(component, "device connected",
			"address", d.Address(),
			"id", ids.Describe(d.VendorID(), d.ProductID()),
			"product", d.Product())
	})
	h.SetOnDeviceDisconnect(func(d *host.Device) {
		pkg.LogInfo(component, "device disconnected", "address", d.Address())
	})

	return &runner{
		ctrl:            ctrl,
		port:            port,
		host:            h,
		speed:           speed,
		transferTimeout: timeout,
	}, notify, nil
}

// execute runs the script alongside the port event pump. The pump stops
// when the script ends; either failing cancels the other.
func execute(ctx context.Context, r *runner, notify <-chan struct{}, script io.Reader, manual bool) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, stop := context.WithCancel(ctx)

	g.Go(func() error {
		defer stop()
		return r.run(ctx, script)
	})
	if !manual {
		g.Go(func() error {
			return pump(ctx, r.host, notify, r.transferTimeout)
		})
	}
	return g.Wait()
}

// pump hands every port event to the host until ctx ends. Event handling
// errors are logged and do not stop the pump.
func pump(ctx context.Context, h *host.Host, notify <-chan struct{}, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		}

		evCtx, cancel := context.WithTimeout(ctx, timeout)
		ev, err := h.HandleEvent(evCtx)
		cancel()
		if err != nil {
			pkg.LogWarn(component, "event handling failed", "event", ev, "error", err)
			continue
		}
		if ev != hcd.PortEventNone {
			pkg.LogInfo(component, "event handled", "event", ev)
		}
	}
}
