package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/signalsfoundry/ran-scheduler/core"
	"github.com/signalsfoundry/ran-scheduler/internal/config"
	"github.com/signalsfoundry/ran-scheduler/internal/journal"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/runtime"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/kb"
	"github.com/signalsfoundry/ran-scheduler/model"
	"github.com/signalsfoundry/ran-scheduler/timectrl"
)

// stack is everything a command needs to run cells: metrics, the optional
// journal, the configuration store and the runtime.
type stack struct {
	cfg   config.Config
	log   logging.Logger
	cells []model.CellConfig
	start time.Time

	registry *prometheus.Registry
	metrics  *observability.SchedulerCollector
	control  *observability.ControlCollector

	journal     *journal.Journal
	stopJournal context.CancelFunc
	journalDone chan struct{}

	store   *kb.KnowledgeBase
	runtime *runtime.Runtime
}

func buildStack(ctx context.Context, cfg config.Config, mode timectrl.Mode, log logging.Logger) (*stack, error) {
	cells, err := cfg.CellConfigs()
	if err != nil {
		return nil, err
	}
	s := &stack{
		cfg:      cfg,
		log:      log,
		cells:    cells,
		start:    time.Now(),
		registry: prometheus.NewRegistry(),
		store:    kb.NewKnowledgeBase(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if s.metrics, err = observability.NewSchedulerCollector(s.registry); err != nil {
		return nil, err
	}
	if s.control, err = observability.NewControlCollector(s.registry); err != nil {
		return nil, err
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path,
			journal.WithLogger(log),
			journal.WithBuffer(cfg.Journal.Buffer),
			journal.WithFlushInterval(cfg.Journal.FlushInterval),
		)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		jctx, cancel := context.WithCancel(context.Background())
		s.journal, s.stopJournal, s.journalDone = j, cancel, make(chan struct{})
		go func() {
			defer close(s.journalDone)
			if err := j.Run(jctx); err != nil {
				log.Warn(jctx, "journal stopped", logging.Err(err))
			}
		}()
		log.Info(ctx, "journal open", logging.String("path", cfg.Journal.Path), logging.String("run_id", j.RunID()))
	}

	cellCfgs := make([]cell.Config, 0, len(cells))
	for _, mc := range cells {
		cellCfgs = append(cellCfgs, cfg.SchedulerFor(mc))
	}
	opts := []runtime.Option{
		runtime.WithLogger(log),
		runtime.WithMetrics(s.metrics),
		runtime.WithTracer(observability.Tracer()),
		runtime.WithRLFCallback(func(c model.CellIndex, ue model.UEIndex, dir model.Direction, kos uint16) {
			log.Warn(context.Background(), "radio link failure",
				logging.Cell(c), logging.UE(ue), logging.Dir(dir), logging.Int("kos", int(kos)))
		}),
	}
	if s.journal != nil {
		opts = append(opts, runtime.WithJournal(s.journal))
	}
	s.runtime, err = runtime.New(runtime.Config{
		Cells:      cellCfgs,
		Mode:       mode,
		Start:      s.start,
		CPUs:       cfg.Runtime.CPUs,
		SlotBuffer: cfg.Runtime.SlotBuffer,
	}, s.store, opts...)
	if err != nil {
		s.close()
		return nil, err
	}
	s.control.SetConfigCounts(s.store.Counts())
	s.store.Subscribe(func(kb.Event) { s.control.SetConfigCounts(s.store.Counts()) })
	return s, nil
}

// addConfiguredUEs creates the UEs listed in the configuration file.
func (s *stack) addConfiguredUEs(ctx context.Context) error {
	var errs []error
	for _, u := range s.cfg.UEConfigs() {
		if _, err := s.runtime.AddUE(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("ue %d: %w", u.Index, err))
		}
	}
	return errors.Join(errs...)
}

// emulator builds the radio emulator from the emulator section. It returns
// nil when no profile is configured.
func (s *stack) emulator() (*core.Emulator, error) {
	ec := s.cfg.Emulator
	if len(ec.Profiles) == 0 {
		return nil, nil
	}
	ues := make(map[model.UEIndex]model.UEConfig, len(s.cfg.UEs))
	for _, u := range s.cfg.UEConfigs() {
		ues[u.Index] = u
	}
	terminals := make([]core.Terminal, 0, len(ec.Profiles))
	for _, p := range ec.Profiles {
		u, ok := ues[model.UEIndex(p.UE)]
		if !ok {
			return nil, fmt.Errorf("emulator profile for unknown ue %d", p.UE)
		}
		terminals = append(terminals, core.Terminal{
			UE: u,
			Motion: core.NewMotionModel(
				core.Vec3{X: p.Position[0], Y: p.Position[1]},
				core.Vec3{X: p.Velocity[0], Y: p.Velocity[1]},
				s.start,
			),
			DLRateBps: p.DLRateBps,
			ULRateBps: p.ULRateBps,
		})
	}
	return core.NewEmulator(core.Config{
		Seed: ec.Seed,
		Link: core.LinkBudget{CarrierGHz: ec.CarrierGHz, PathLossExponent: ec.PathLossExp},
		Site: core.TransceiverModel{
			Name:           "gnb",
			TxPowerDBm:     ec.TxPowerDBm,
			AntennaGainDBi: ec.AntennaGainDBi,
			NoiseFigureDB:  ec.NoiseFigureDB,
		},
		Terminal:       core.DefaultTerminal(),
		ShadowingDB:    ec.ShadowingDB,
		CSIPeriodSlots: ec.CSIPeriodSlots,
	}, s.cells, terminals, s.runtime, core.WithLogger(s.log))
}

// close stops the runtime and flushes the journal.
func (s *stack) close() {
	if s.runtime != nil {
		s.runtime.Stop()
	}
	if s.journal == nil {
		return
	}
	s.stopJournal()
	<-s.journalDone
	if err := s.journal.Close(); err != nil {
		s.log.Warn(context.Background(), "journal close failed", logging.Err(err))
	}
}
