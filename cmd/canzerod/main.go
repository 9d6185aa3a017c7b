// Command canzerod negotiates node ids on one or more CAN buses.
//
// Usage:
//
//	canzerod -config /etc/canzero.toml
//
// Each [[endpoint]] table in the config file becomes one interface with its
// own dispatch loop. Endpoints with driver "sim" share a single in-process
// bus, which is handy for trying out a config without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notnil/canzero"
	"github.com/notnil/canzero/canbus"
	"github.com/notnil/canzero/capture"
)

func main() {
	configPath := flag.String("config", "canzero.toml", "path to the TOML config file")
	checkOnly := flag.Bool("check", false, "validate the config file and exit")
	flag.Parse()

	cfg, err := canzero.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canzerod: %v\n", err)
		os.Exit(2)
	}
	if *checkOnly {
		fmt.Printf("%s: %d endpoint(s) ok\n", *configPath, len(cfg.Endpoints))
		return
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canzerod: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("canzerod exited", "error", err)
		os.Exit(1)
	}
}

type endpoint struct {
	cfg   canzero.EndpointConfig
	ctrl  canbus.Controller
	iface *canzero.Interface
	relay *canbus.Relay
}

// daemon holds every configured endpoint, registered on one router.
type daemon struct {
	logger    *slog.Logger
	sim       *canbus.SimBus
	endpoints []*endpoint
}

func run(ctx context.Context, cfg *canzero.FileConfig, logger *slog.Logger) error {
	d, err := openDaemon(cfg, logger)
	defer d.close()
	if err != nil {
		return err
	}
	return d.serve(ctx)
}

// openDaemon opens a controller and builds an interface per endpoint. The
// returned daemon is never nil and must be closed, even on error.
func openDaemon(cfg *canzero.FileConfig, logger *slog.Logger) (*daemon, error) {
	d := &daemon{logger: logger}
	router := canzero.NewRouter()
	for _, epc := range cfg.Endpoints {
		ctrl, err := openController(epc, &d.sim)
		if err != nil {
			return d, fmt.Errorf("endpoint %q: %w", epc.Name, err)
		}
		if epc.Driver == canzero.DriverSocketCAN && !epc.ManageLink {
			logger.Warn("bitrate not applied, link is configured outside canzerod",
				"endpoint", epc.Name, "bitrate", canbus.Bitrate(epc.Bitrate).String())
		}
		if epc.LogFrames {
			ctrl = canbus.NewLoggedController(ctrl, logger, slog.LevelDebug, canbus.LogAll)
		}
		ep := &endpoint{cfg: epc, ctrl: ctrl, relay: canbus.NewRelay()}
		d.endpoints = append(d.endpoints, ep)

		icfg, err := epc.InterfaceConfig()
		if err != nil {
			return d, err
		}
		iface, err := canzero.New(ctrl, icfg,
			canzero.WithLogger(logger),
			canzero.WithRelay(ep.relay.Publish),
		)
		if err != nil {
			return d, fmt.Errorf("endpoint %q: %w", epc.Name, err)
		}
		if err := router.Register(iface); err != nil {
			return d, fmt.Errorf("endpoint %q: %w", epc.Name, err)
		}
		ep.iface = iface
	}
	router.Seal()
	return d, nil
}

// serve starts every endpoint and runs the dispatch loops until ctx is done
// or one of them fails. It returns only after every goroutine it started
// has exited.
func (d *daemon) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}
	for _, ep := range d.endpoints {
		if ep.cfg.Capture != "" {
			if err := startCapture(gctx, g, ep); err != nil {
				return abort(err)
			}
		}
		if err := ep.iface.Start(); err != nil {
			return abort(fmt.Errorf("endpoint %q: %w", ep.cfg.Name, err))
		}
		iface := ep.iface
		g.Go(func() error { return iface.Run(gctx) })
	}
	d.logger.Info("canzerod running", "endpoints", len(d.endpoints))
	return g.Wait()
}

func (d *daemon) close() {
	for _, ep := range d.endpoints {
		ep.relay.Close()
		if err := ep.ctrl.Close(); err != nil && !errors.Is(err, canbus.ErrClosed) {
			d.logger.Warn("close controller", "endpoint", ep.cfg.Name, "error", err)
		}
	}
	if d.sim != nil {
		d.sim.Close()
	}
}

func openController(epc canzero.EndpointConfig, sim **canbus.SimBus) (canbus.Controller, error) {
	switch epc.Driver {
	case canzero.DriverSim:
		if *sim == nil {
			*sim = canbus.NewSimBus()
		}
		opts := []canbus.SimOption{canbus.WithHandle(canbus.Handle(epc.Name))}
		if epc.Echo {
			opts = append(opts, canbus.WithEcho())
		}
		return (*sim).Open(opts...), nil
	case canzero.DriverSocketCAN:
		sc, err := canbus.DialSocketCAN(epc.Name, epc.SocketCANOptions()...)
		if err != nil {
			return nil, err
		}
		return sc, nil
	}
	return nil, fmt.Errorf("unknown driver %q", epc.Driver)
}

func startCapture(ctx context.Context, g *errgroup.Group, ep *endpoint) error {
	f, err := os.OpenFile(ep.cfg.Capture, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("endpoint %q: capture: %w", ep.cfg.Name, err)
	}
	frames, cancel := ep.relay.Subscribe(nil, 256)
	w := capture.NewWriter(f)
	g.Go(func() error {
		defer f.Close()
		defer cancel()
		err := w.Consume(ctx, ep.cfg.Name, frames, time.Now)
		if err != nil {
			return fmt.Errorf("endpoint %q: capture: %w", ep.cfg.Name, err)
		}
		return nil
	})
	return nil
}
