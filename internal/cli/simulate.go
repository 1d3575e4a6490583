package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/ran-scheduler/core"
	"github.com/signalsfoundry/ran-scheduler/internal/config"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/model"
	"github.com/signalsfoundry/ran-scheduler/timectrl"
)

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var slots uint64
	var seed uint64
	var journalPath string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the cells against the radio emulator as fast as possible",
		Long: `simulate steps every configured cell in accelerated time for a fixed
number of slots, with the radio emulator standing in for the UEs, and prints
per-UE throughput and HARQ statistics. Runs with the same seed are
reproducible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				cfg.Emulator.Seed = seed
			}
			if cmd.Flags().Changed("journal") {
				cfg.Journal.Path = journalPath
			}
			sum, err := simulate(cmd.Context(), cfg, log, slots)
			if err != nil {
				return err
			}
			sum.write(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().Uint64VarP(&slots, "slots", "n", 1000, "Number of slots to simulate")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Emulator seed; overrides the config file")
	cmd.Flags().StringVar(&journalPath, "journal", "", "Write the diagnostics journal to this sqlite file")
	return cmd
}

type flowKey struct {
	cell model.CellIndex
	ue   model.UEIndex
}

type flow struct {
	dlBytes, ulBytes uint64
	dlTBs, ulTBs     uint64
	dlRetx, ulRetx   uint64
}

// throughputSink tallies transport blocks per UE and cell.
type throughputSink struct {
	mu    sync.Mutex
	flows map[flowKey]*flow
}

func newThroughputSink() *throughputSink {
	return &throughputSink{flows: make(map[flowKey]*flow)}
}

func (t *throughputSink) Deliver(res grant.Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range res.Grants {
		if g.Kind != model.GrantPDSCH && g.Kind != model.GrantPUSCH {
			continue
		}
		k := flowKey{cell: g.Cell, ue: g.UE}
		f, ok := t.flows[k]
		if !ok {
			f = &flow{}
			t.flows[k] = f
		}
		switch {
		case g.Kind == model.GrantPDSCH && g.NewTx:
			f.dlBytes += uint64(g.TBS)
			f.dlTBs++
		case g.Kind == model.GrantPDSCH:
			f.dlRetx++
		case g.NewTx:
			f.ulBytes += uint64(g.TBS)
			f.ulTBs++
		default:
			f.ulRetx++
		}
	}
	return true
}

type flowSummary struct {
	Cell model.CellIndex
	UE   model.UEIndex
	flow
}

type summary struct {
	Slots    uint64
	AirTime  time.Duration
	Seed     uint64
	Cells    int
	Flows    []flowSummary
	Emulator core.Stats
	RunID    string
}

func simulate(ctx context.Context, cfg config.Config, log logging.Logger, slots uint64) (summary, error) {
	if slots == 0 {
		return summary{}, fmt.Errorf("simulate needs at least one slot")
	}
	s, err := buildStack(ctx, cfg, timectrl.Accelerated, log)
	if err != nil {
		return summary{}, err
	}
	defer s.close()

	em, err := s.emulator()
	if err != nil {
		return summary{}, err
	}
	if em == nil {
		return summary{}, fmt.Errorf("simulate needs at least one emulator profile")
	}
	engine := core.NewSimulationEngine(s.runtime, em)
	defer engine.Close()
	tp := newThroughputSink()
	defer s.runtime.Publisher.Subscribe(tp)()

	if err := s.addConfiguredUEs(ctx); err != nil {
		return summary{}, err
	}
	if err := s.runtime.Start(ctx); err != nil {
		return summary{}, err
	}
	began := time.Now()
	if err := engine.Run(ctx, slots); err != nil {
		return summary{}, err
	}
	log.Info(ctx, "simulation finished",
		logging.Uint64("slots", slots),
		logging.Duration("wall", time.Since(began)),
	)

	sum := summary{
		Slots:    slots,
		AirTime:  time.Duration(slots) * s.runtime.Clock.SlotDuration(),
		Seed:     cfg.Emulator.Seed,
		Cells:    len(s.cells),
		Emulator: em.Stats(),
	}
	if s.journal != nil {
		sum.RunID = s.journal.RunID()
	}
	tp.mu.Lock()
	for k, f := range tp.flows {
		sum.Flows = append(sum.Flows, flowSummary{Cell: k.cell, UE: k.ue, flow: *f})
	}
	tp.mu.Unlock()
	slices.SortFunc(sum.Flows, func(a, b flowSummary) int {
		if a.UE != b.UE {
			return int(a.UE) - int(b.UE)
		}
		return int(a.Cell) - int(b.Cell)
	})
	return sum, nil
}

func rate(bytes uint64, d time.Duration) string {
	if d <= 0 {
		return "0 bit/s"
	}
	return humanize.SIWithDigits(float64(bytes)*8/d.Seconds(), 1, "bit/s")
}

func ratio(bad, good uint64) float64 {
	if bad+good == 0 {
		return 0
	}
	return 100 * float64(bad) / float64(bad+good)
}

func (s summary) write(w io.Writer) {
	fmt.Fprintf(w, "simulated %s slots (%v of air time) on %d cell(s), seed %d\n",
		humanize.Comma(int64(s.Slots)), s.AirTime, s.Cells, s.Seed)
	for _, f := range s.Flows {
		fmt.Fprintf(w, "ue %d cell %d: dl %s in %d TBs (%s, %d retx), ul %s in %d TBs (%s, %d retx)\n",
			f.UE, f.Cell,
			humanize.Bytes(f.dlBytes), f.dlTBs, rate(f.dlBytes, s.AirTime), f.dlRetx,
			humanize.Bytes(f.ulBytes), f.ulTBs, rate(f.ulBytes, s.AirTime), f.ulRetx,
		)
	}
	e := s.Emulator
	fmt.Fprintf(w, "offered: dl %s, ul %s\n", humanize.Bytes(e.DLArrivedBytes), humanize.Bytes(e.ULArrivedBytes))
	fmt.Fprintf(w, "harq: dl %d ack / %d nack (%.1f%% bler), ul %d ack / %d nack (%.1f%% bler)\n",
		e.DLAcks, e.DLNacks, ratio(e.DLNacks, e.DLAcks),
		e.ULAcks, e.ULNacks, ratio(e.ULNacks, e.ULAcks),
	)
	if e.RejectedInputs > 0 {
		fmt.Fprintf(w, "rejected inputs: %d\n", e.RejectedInputs)
	}
	if s.RunID != "" {
		fmt.Fprintf(w, "journal run id: %s\n", s.RunID)
	}
}
