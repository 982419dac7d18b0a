package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshsentry/rfmesh/bus"
	"github.com/meshsentry/rfmesh/clock"
	"github.com/meshsentry/rfmesh/config"
	"github.com/meshsentry/rfmesh/coordinator"
	"github.com/meshsentry/rfmesh/httpapi"
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/pathloss"
	"github.com/meshsentry/rfmesh/peer"
	"github.com/meshsentry/rfmesh/sysstats"
)

var runConfigFlag string

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to the node's YAML config (defaults built in if omitted)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node daemon: serial bus reader, coordinator/peer roles, housekeeping, HTTP surface",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return doRun()
	},
}

// sdNotifyReady tells systemd (if supervised) that the daemon finished
// starting up.
func sdNotifyReady() {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		log.Warningf("sd_notify ready failed: %v", err)
	} else if !supported {
		log.Debug("sd_notify not supported, skipping")
	}
}

// watchdogLoop pings systemd's watchdog at half the configured interval,
// for as long as ctx is alive. It is a no-op when the watchdog isn't
// configured by the supervisor.
func watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warningf("sd_notify watchdog failed: %v", err)
			}
		}
	}
}

func doRun() error {
	cfg := config.Default()
	if runConfigFlag != "" {
		loaded, err := config.ReadConfig(runConfigFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	port, err := bus.OpenSerial(cfg.SerialDevice, cfg.SerialBaud)
	if err != nil {
		return fmt.Errorf("opening serial bus %s: %w", cfg.SerialDevice, err)
	}
	defer port.Close()

	link := bus.NewLink(port, bus.NewTokenBucket(256, 64))
	clk := clock.New()
	pl := pathloss.NewModel(cfg.Env())
	stats := coordinator.NewStats()
	coord := coordinator.NewManager(cfg.NodeID, clk, link, pl, stats)
	role := peer.New(cfg.NodeID, clk, link)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := httpapi.New(cfg.NodeID, coord, pl, nil, nil)
	httpSrv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: server.Handler()}
	go stats.Start(cfg.MetricsPort)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return runRXLoop(egCtx, link, cfg.NodeID, clk, coord, role)
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return housekeepingLoop(egCtx, sysstats.NewCollector())
	})

	eg.Go(func() error {
		return watchdogLoop(egCtx)
	})

	sdNotifyReady()

	if err := eg.Wait(); err != nil && egCtx.Err() == nil {
		return err
	}
	return nil
}

// runRXLoop reads lines off the serial bus forever, dispatching each
// parsed envelope to the clock's time-sync handshake and to whichever of
// coordinator/peer role currently cares about it. Both are always given
// the chance to see a message since only one will ever have an active
// session for it (spec.md §4.9: a node is never simultaneously an active
// coordinator and an active peer for the same target).
func runRXLoop(ctx context.Context, link *bus.Link, selfID string, clk *clock.Clock, coord *coordinator.Manager, role *peer.Role) error {
	lines := make(chan string, 64)
	errs := make(chan error, 1)
	go func() {
		for {
			line, err := link.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return fmt.Errorf("bus recv: %w", err)
		case line := <-lines:
			env, err := meshproto.Parse(line)
			if err != nil {
				log.Debugf("rx: dropping unparseable line: %v", err)
				continue
			}
			if !env.TargetsMe(selfID) {
				continue
			}
			dispatch(env, selfID, clk, link, coord, role)
		}
	}
}

func dispatch(env meshproto.Envelope, selfID string, clk *clock.Clock, link *bus.Link, coord *coordinator.Manager, role *peer.Role) {
	switch body := env.Body.(type) {
	case meshproto.TimeSyncReq:
		resp := clk.HandleSyncRequest(body, uint32(clk.MonotonicMicros()))
		if err := link.Send(meshproto.Envelope{Sender: selfID, Target: env.Sender, Body: resp}.Encode()); err != nil {
			log.Warningf("sending TIME_SYNC_RESP to %s: %v", env.Sender, err)
		}
	case meshproto.TimeSyncResp:
		clk.HandleSyncResponse(env.Sender, body)
	default:
		coord.Handle(env)
		role.Handle(env)
	}
}

// housekeepingLoop samples host telemetry periodically; failures are
// logged, never fatal (spec.md §5).
func housekeepingLoop(ctx context.Context, collector *sysstats.Collector) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := collector.Collect(ctx)
			if err != nil {
				log.Warningf("housekeeping: sysstats collection degraded: %v", err)
			}
			log.Debugf("housekeeping: cpu=%.1f%% mem=%.1f%% load1=%.2f", snap.CPUPercent, snap.MemUsedPct, snap.Load1)
		}
	}
}
