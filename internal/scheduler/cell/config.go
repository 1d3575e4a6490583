// Package cell runs the per-slot scheduling loop of one serving cell. A
// Scheduler is owned by a single goroutine; only Push may be called from
// other goroutines.
package cell

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/harq"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/policy"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// Config is the static configuration of one cell scheduler.
type Config struct {
	Cell         model.CellConfig
	Policy       policy.Kind
	PolicyParams policy.Params

	// RingDepth is the number of slots the resource grid tracks. It must be
	// a power of two larger than the longest K1/K2 delay.
	RingDepth int
	// AckTimeoutSlots turns silence after a transmission into a NACK.
	AckTimeoutSlots int
	TargetBLER      float64
	// DeadlineFraction is the share of the slot duration the loop may use.
	DeadlineFraction float64
	QueueCapacity    int

	// CSI is the tracker template; layer limits are filled per UE.
	CSI csi.Config

	DMRSPerPRB     int
	OverheadPerPRB int
}

// DefaultConfig returns defaults for cell.
func DefaultConfig(cell model.CellConfig) Config {
	p := policy.DefaultParams()
	p.SlotDuration = cell.SlotDuration()
	return Config{
		Cell:             cell,
		Policy:           policy.KindTimeQoS,
		PolicyParams:     p,
		RingDepth:        16,
		AckTimeoutSlots:  max(8, int(max(cell.K1, cell.K2))+4),
		TargetBLER:       0.1,
		DeadlineFraction: 0.5,
		QueueCapacity:    4096,
		CSI:              csi.DefaultConfig(),
		DMRSPerPRB:       12,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Cell.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cell %d: %w", c.Cell.Index, err))
	}
	maxK := int(max(c.Cell.K1, c.Cell.K2))
	if c.RingDepth <= maxK+1 || bits.OnesCount(uint(c.RingDepth)) != 1 {
		errs = append(errs, fmt.Errorf("ring depth %d must be a power of two above %d", c.RingDepth, maxK+1))
	}
	if c.AckTimeoutSlots <= maxK {
		errs = append(errs, fmt.Errorf("ack timeout %d slots must exceed k1/k2 %d", c.AckTimeoutSlots, maxK))
	}
	if c.TargetBLER <= 0 || c.TargetBLER >= 1 {
		errs = append(errs, fmt.Errorf("target bler %v out of (0,1)", c.TargetBLER))
	}
	if c.DeadlineFraction <= 0 || c.DeadlineFraction > 1 {
		errs = append(errs, fmt.Errorf("deadline fraction %v out of (0,1]", c.DeadlineFraction))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue capacity must be positive"))
	}
	if c.DMRSPerPRB < 0 || c.OverheadPerPRB < 0 {
		errs = append(errs, errors.New("dmrs and overhead must not be negative"))
	}
	return errors.Join(errs...)
}

// MissedDeadlineFunc is told about every discarded slot result.
type MissedDeadlineFunc func(cell model.CellIndex, sl model.SlotPoint, elapsed time.Duration)

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the collector. A nil collector disables metrics.
func WithMetrics(m *observability.SchedulerCollector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now for deadline accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRLFNotifier forwards radio link failures after they were logged and
// counted.
func WithRLFNotifier(n harq.RLFNotifier) Option {
	return func(s *Scheduler) { s.rlfNext = n }
}

// WithMissedDeadline registers fn for discarded slots.
func WithMissedDeadline(fn MissedDeadlineFunc) Option {
	return func(s *Scheduler) { s.onMissed = fn }
}

// WithPublisher shares a publisher between cells.
func WithPublisher(p *grant.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}
