package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/ran-scheduler/core"
	"github.com/signalsfoundry/ran-scheduler/internal/admin"
	"github.com/signalsfoundry/ran-scheduler/internal/config"
	"github.com/signalsfoundry/ran-scheduler/internal/control"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/timectrl"
)

func newRunCmd(opts *rootOptions, version string) *cobra.Command {
	var mode string
	var emulate bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the cell schedulers with the admin and control endpoints",
		Long: `run starts one scheduler goroutine per configured cell and serves the
admin HTTP endpoint (metrics, health, debug views) and the gRPC control
service until interrupted.

With --emulate the radio emulator feeds CSI, traffic and HARQ feedback for
every UE that has an emulator profile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Runtime.Mode = mode
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, log, version, emulate)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Clock mode (realtime, accelerated); overrides the config file")
	cmd.Flags().BoolVar(&emulate, "emulate", false, "Drive the cells with the radio emulator")
	return cmd
}

// runService runs until ctx is done or a server fails.
func runService(ctx context.Context, cfg config.Config, log logging.Logger, version string, emulate bool) error {
	clockMode, err := cfg.ClockMode()
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	s, err := buildStack(ctx, cfg, clockMode, log)
	if err != nil {
		return err
	}
	defer s.close()
	rt := s.runtime

	var engine *core.SimulationEngine
	if emulate {
		em, err := s.emulator()
		if err != nil {
			return err
		}
		if em != nil {
			engine = core.NewSimulationEngine(rt, em)
			defer engine.Close()
		} else {
			log.Warn(ctx, "emulation requested but no emulator profiles configured")
		}
	}
	if err := s.addConfiguredUEs(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	launch := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn()
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				errMu.Unlock()
				cancel()
			}
		}()
	}

	if cfg.Admin.Listen != "" {
		adminOpts := []admin.Option{
			admin.WithLogger(log),
			admin.WithMetrics(observability.HandlerFor(s.registry)),
			admin.WithConfigs(s.store),
			admin.WithVersion(version),
		}
		if s.journal != nil {
			adminOpts = append(adminOpts, admin.WithJournal(s.journal))
		}
		srv := admin.New(rt, adminOpts...)
		launch("admin", func() error { return srv.ListenAndServe(ctx, cfg.Admin.Listen) })
	}
	if cfg.Control.Listen != "" {
		svc := control.NewService(rt, rt.Publisher, log)
		svc.SetStreamBuffer(cfg.Control.GrantBuffer)
		server, _ := control.NewGRPCServer(svc, log, s.control)
		launch("control", func() error { return control.Serve(ctx, server, cfg.Control.Listen, log) })
	}
	if clockMode == timectrl.Accelerated {
		launch("clock", func() error {
			if engine != nil {
				return engine.Run(ctx, 0)
			}
			return rt.Run(ctx, 0)
		})
	}

	log.Info(ctx, "ransched running",
		logging.String("version", version),
		logging.String("mode", clockMode.String()),
		logging.Int("cells", len(s.cells)),
		logging.Bool("emulated", engine != nil),
	)
	<-ctx.Done()
	wg.Wait()
	log.Info(context.Background(), "ransched stopping")
	return firstErr
}
