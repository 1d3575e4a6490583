package cell

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/buffer"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grid"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/harq"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/pdcch"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/policy"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// ErrDeadlineMissed is returned by RunSlot when the slot took longer than
// its budget. The result of that slot was discarded.
var ErrDeadlineMissed = errors.New("cell: slot deadline missed")

// snapshotEvery is the slot period of the debug snapshot refresh.
const snapshotEvery = 32

// dueGrants holds PUSCH grants decided earlier for a future slot.
type dueGrants struct {
	slot   model.SlotPoint
	grants []model.Grant
}

// Scheduler is the slot loop of one cell.
type Scheduler struct {
	cfg  Config
	cell model.CellConfig

	log       logging.Logger
	metrics   *observability.SchedulerCollector
	now       func() time.Time
	rlfNext   harq.RLFNotifier
	onMissed  MissedDeadlineFunc
	publisher *grant.Publisher

	ring   *grid.Ring
	pdcch  *pdcch.Allocator
	ranker policy.Ranker
	ues    *ue.Repository
	queue  *ue.Queue
	ueOpts ue.Options
	budget time.Duration

	capLog   *rate.Limiter
	inputLog *rate.Limiter

	last  model.SlotPoint
	stamp uint64
	marks [2][model.MaxUEs]uint64
	bytes [model.MaxUEs][2]uint64
	ulDue []dueGrants
	dirty bool

	// per-slot scratch, reused across slots
	grants    []model.Grant
	pusch     []model.Grant
	retx      []retxRequest
	procs     []*harq.Process
	cands     []policy.Candidate
	served    [2][]policy.Served
	placed    []placement
	committed []buffer.Allocation
	shares    []harq.Share
	nofData   [2]int

	// resource use of the last published slot
	occupancy [2]float64
	cceUsed   int
	cceTotal  int

	reconf atomic.Pointer[model.CellConfig]
	view   atomic.Pointer[model.CellConfig]

	slots  atomic.Uint64
	missed atomic.Uint64
	snap   atomic.Pointer[Snapshot]
}

// NewScheduler builds the scheduler of cfg.Cell.
func NewScheduler(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cell %d: %w", cfg.Cell.Index, err)
	}
	ring, err := grid.NewRing(cfg.Cell.Index, cfg.Cell.NofRBs, cfg.RingDepth)
	if err != nil {
		return nil, fmt.Errorf("cell %d: %w", cfg.Cell.Index, err)
	}
	cache, err := pdcch.NewCache(cfg.Cell)
	if err != nil {
		return nil, fmt.Errorf("cell %d: %w", cfg.Cell.Index, err)
	}
	alloc, err := pdcch.NewAllocator(cache, ring)
	if err != nil {
		return nil, fmt.Errorf("cell %d: %w", cfg.Cell.Index, err)
	}
	params := cfg.PolicyParams
	if params.SlotDuration <= 0 {
		params.SlotDuration = cfg.Cell.SlotDuration()
	}
	ranker, err := policy.New(cfg.Policy, params)
	if err != nil {
		return nil, fmt.Errorf("cell %d: %w", cfg.Cell.Index, err)
	}

	s := &Scheduler{
		cfg:    cfg,
		cell:   cfg.Cell,
		log:    logging.Noop(),
		now:    time.Now,
		ring:   ring,
		pdcch:  alloc,
		ranker: ranker,
		ues:    ue.NewRepository(),
		queue:  ue.NewQueue(cfg.QueueCapacity),
		ueOpts: ue.Options{
			AckTimeoutSlots: cfg.AckTimeoutSlots,
			CSI:             cfg.CSI,
			TargetBLER:      cfg.TargetBLER,
		},
		budget:   time.Duration(float64(cfg.Cell.SlotDuration()) * cfg.DeadlineFraction),
		capLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		inputLog: rate.NewLimiter(rate.Every(time.Second), 5),
		ulDue:    make([]dueGrants, cfg.RingDepth),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = grant.NewPublisher()
	}
	s.log = s.log.With(logging.Cell(cfg.Cell.Index))
	s.view.Store(&s.cell)
	s.snap.Store(&Snapshot{Cell: cfg.Cell.Index, Policy: cfg.Policy.String()})
	return s, nil
}

// Cell returns the configuration the slot loop last switched to. A staged
// reconfiguration shows up once a slot has applied it.
func (s *Scheduler) Cell() model.CellConfig { return *s.view.Load() }

// Publisher returns the publisher results are delivered through.
func (s *Scheduler) Publisher() *grant.Publisher { return s.publisher }

// Push queues an input for the next slot boundary. It never blocks.
func (s *Scheduler) Push(ev ue.Event) error {
	if err := s.queue.Push(ev); err != nil {
		s.metrics.IncQueueDrop(s.cell.Index)
		return fmt.Errorf("cell %d: %w", s.cell.Index, err)
	}
	return nil
}

// Stats returns the number of slots run and of slots whose result was
// discarded.
func (s *Scheduler) Stats() (slots, missed uint64) {
	return s.slots.Load(), s.missed.Load()
}

// RunSlot runs the scheduling loop for sl and publishes its result. Slots
// must strictly increase; skipped slots carry no transmission.
func (s *Scheduler) RunSlot(ctx context.Context, sl model.SlotPoint) (grant.Result, error) {
	if err := ctx.Err(); err != nil {
		return grant.Result{}, err
	}
	if !sl.Valid() || sl.Numerology() != s.cell.Numerology {
		return grant.Result{}, fmt.Errorf("cell %d: slot %s does not match numerology %d", s.cell.Index, sl, s.cell.Numerology)
	}
	if s.last.Valid() && !sl.After(s.last) {
		return grant.Result{}, fmt.Errorf("cell %d: %w: slot %s, last %s", s.cell.Index, grant.ErrOutOfOrder, sl, s.last)
	}
	start := s.now()
	deadline := start.Add(s.budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.last = sl
	s.stamp++
	s.slots.Add(1)

	if next := s.reconf.Swap(nil); next != nil {
		s.applyCell(ctx, *next, sl)
	}
	s.ring.ReleaseBefore(sl)
	s.ues.Sweep(func(c *ue.Context) { s.release(ctx, c) })
	s.queue.Drain(func(ev ue.Event) { s.handle(ctx, ev, sl) })
	s.ues.Each(func(c *ue.Context) {
		c.SlotIndication(sl, func(dir model.Direction, p harq.Process, o harq.Outcome) {
			s.account(ctx, c, dir, p.ID, o)
		})
	})

	s.grants = s.takeDue(sl, s.grants[:0])
	s.pusch = s.pusch[:0]
	s.placed = s.placed[:0]
	s.committed = s.committed[:0]
	s.nofData = [2]int{}
	s.served[model.Downlink] = s.served[model.Downlink][:0]
	s.served[model.Uplink] = s.served[model.Uplink][:0]
	if s.cell.IsDLSlot(sl) {
		ulOK := s.cell.IsULSlot(sl.Add(int(s.cell.K2)))
		s.scheduleRetx(ctx, sl, ulOK)
		s.scheduleNewTx(ctx, sl, model.Downlink)
		if ulOK {
			s.scheduleNewTx(ctx, sl, model.Uplink)
		}
	}

	end := s.now()
	elapsed := end.Sub(start)
	s.metrics.ObserveSlot(s.cell.Index, elapsed)
	if end.After(deadline) {
		s.rollback(sl)
		s.ring.ReleaseAll(sl)
		s.missed.Add(1)
		s.metrics.IncMissedDeadline(s.cell.Index)
		s.log.Warn(ctx, "slot deadline missed, result discarded",
			logging.Slot(sl),
			logging.Duration("elapsed", elapsed),
			logging.Duration("budget", deadline.Sub(start)),
		)
		if s.onMissed != nil {
			s.onMissed(s.cell.Index, sl, elapsed)
		}
		s.refreshSnapshot(sl)
		return grant.Result{}, fmt.Errorf("cell %d slot %s: %w after %s", s.cell.Index, sl, ErrDeadlineMissed, elapsed)
	}

	res, err := s.publisher.Publish(s.cell.Index, sl, s.grants)
	if err != nil {
		s.rollback(sl)
		s.ring.ReleaseAll(sl)
		return grant.Result{}, err
	}
	s.storeDue(sl.Add(int(s.cell.K2)), s.pusch)
	s.commitServed()
	s.observe(sl, res)
	s.ring.ReleaseAll(sl)
	if s.dirty || s.stamp%snapshotEvery == 1 {
		s.refreshSnapshot(sl)
	}
	return res, nil
}

func (s *Scheduler) commitServed() {
	for _, dir := range [...]model.Direction{model.Downlink, model.Uplink} {
		var total uint64
		for _, sv := range s.served[dir] {
			s.bytes[sv.UE][dir] += uint64(sv.Bytes)
			total += uint64(sv.Bytes)
		}
		s.ranker.SaveNewTx(dir, s.served[dir])
		if total > 0 {
			s.metrics.AddScheduledBytes(s.cell.Index, dir, total)
		}
	}
}

// observe records what slot sl used before its grid entry is released.
func (s *Scheduler) observe(sl model.SlotPoint, res grant.Result) {
	var kinds [4]int
	for i := range res.Grants {
		kinds[res.Grants[i].Kind]++
	}
	for k, n := range kinds {
		if n > 0 {
			s.metrics.AddGrants(s.cell.Index, model.GrantKind(k), n)
		}
	}
	for _, dir := range [...]model.Direction{model.Downlink, model.Uplink} {
		s.occupancy[dir] = s.ring.Occupancy(sl, dir)
		s.metrics.SetGridOccupancy(s.cell.Index, dir, s.occupancy[dir])
	}
	if s.cell.IsDLSlot(sl) {
		s.cceUsed, s.cceTotal = s.cceUsage(sl)
		if s.cceTotal > 0 {
			s.metrics.SetCCEUtilisation(s.cell.Index, float64(s.cceUsed)/float64(s.cceTotal))
		}
	}
	s.metrics.SetPDCCHHitRatio(s.cell.Index, s.pdcch.Cache().HitRatio())
	s.metrics.SetActiveUEs(s.cell.Index, s.ues.Active())
}

// cceUsage counts the CCEs of every CORESET that overlap a reservation of sl.
func (s *Scheduler) cceUsage(sl model.SlotPoint) (used, total int) {
	cache := s.pdcch.Cache()
	for _, cs := range s.cell.Coresets {
		busy := s.ring.Used(sl, model.Downlink, model.SymbolInterval{Start: 0, Stop: cs.Duration})
		for j := 0; ; j++ {
			rbs, ok := cache.CCEResourceBlocks(cs.ID, j)
			if !ok {
				break
			}
			total++
			if busy.Intersects(&rbs) {
				used++
			}
		}
	}
	return used, total
}

func (s *Scheduler) takeDue(sl model.SlotPoint, out []model.Grant) []model.Grant {
	d := &s.ulDue[int(sl.Count())%len(s.ulDue)]
	if d.slot == sl {
		out = append(out, d.grants...)
	}
	d.slot = model.SlotPoint{}
	d.grants = d.grants[:0]
	return out
}

func (s *Scheduler) storeDue(sl model.SlotPoint, grants []model.Grant) {
	if len(grants) == 0 {
		return
	}
	d := &s.ulDue[int(sl.Count())%len(s.ulDue)]
	if d.slot != sl {
		d.slot = sl
		d.grants = d.grants[:0]
	}
	d.grants = append(d.grants, grants...)
}

func (s *Scheduler) handle(ctx context.Context, ev ue.Event, sl model.SlotPoint) {
	if ev.ProcedureID != "" {
		ctx = logging.ContextWithProcedureID(ctx, ev.ProcedureID)
	}
	switch ev.Kind {
	case ue.EventAddUE:
		s.addUE(ctx, ev)
	case ue.EventReconfigureUE:
		s.reconfigureUE(ctx, ev)
	case ue.EventRemoveUE:
		if err := s.ues.Remove(ev.UE); err != nil {
			s.log.Warn(ctx, "ue removal rejected", logging.UE(ev.UE), logging.Err(err))
			return
		}
		s.dirty = true
		s.log.Info(ctx, "ue deactivated", logging.UE(ev.UE), logging.Slot(sl))
	default:
		c, ok := s.ues.Get(ev.UE)
		if !ok || !c.Active() {
			if s.inputLog.Allow() {
				s.log.Debug(ctx, "input for unknown ue dropped", logging.UE(ev.UE), logging.String("kind", ev.Kind.String()))
			}
			return
		}
		o, err := c.Apply(ev, sl)
		if err != nil {
			if ev.Kind == ue.EventCSI {
				s.metrics.IncCSIRejection(s.cell.Index)
			}
			if s.inputLog.Allow() {
				s.log.Warn(ctx, "input rejected", logging.UE(ev.UE), logging.String("kind", ev.Kind.String()), logging.Err(err))
			}
			return
		}
		if ev.Kind == ue.EventHARQFeedback {
			s.account(ctx, c, ev.Dir, ev.HARQ, o)
		}
	}
}

func (s *Scheduler) addUE(ctx context.Context, ev ue.Event) {
	if ev.Config == nil {
		s.log.Warn(ctx, "ue creation without configuration", logging.UE(ev.UE))
		return
	}
	cfg := *ev.Config
	if _, ok := s.cell.SearchSpace(cfg.SearchSpace); !ok {
		s.log.Warn(ctx, "ue creation rejected", logging.UE(cfg.Index),
			logging.Err(fmt.Errorf("search space %d not configured", cfg.SearchSpace)))
		return
	}
	c, err := ue.NewContext(s.cell, cfg, s.ueOpts, harq.RLFNotifierFunc(s.onRLF))
	if err == nil {
		err = s.ues.Add(c)
	}
	if err != nil {
		s.log.Warn(ctx, "ue creation rejected", logging.UE(cfg.Index), logging.Err(err))
		return
	}
	s.ranker.AddUE(cfg.Index)
	s.bytes[cfg.Index] = [2]uint64{}
	s.dirty = true
	s.log.Info(ctx, "ue created", logging.UE(cfg.Index), logging.RNTI(cfg.RNTI))
}

func (s *Scheduler) reconfigureUE(ctx context.Context, ev ue.Event) {
	c, ok := s.ues.Get(ev.UE)
	if !ok || ev.Config == nil {
		s.log.Warn(ctx, "ue reconfiguration rejected", logging.UE(ev.UE), logging.Err(ue.ErrUnknownUE))
		return
	}
	if err := c.Reconfigure(*ev.Config); err != nil {
		s.log.Warn(ctx, "ue reconfiguration rejected", logging.UE(ev.UE), logging.Err(err))
		return
	}
	s.dirty = true
	s.log.Info(ctx, "ue reconfigured", logging.UE(ev.UE))
}

func (s *Scheduler) release(ctx context.Context, c *ue.Context) {
	s.ranker.RemoveUE(c.Index())
	s.bytes[c.Index()] = [2]uint64{}
	s.dirty = true
	s.log.Info(ctx, "ue released", logging.UE(c.Index()))
}

func (s *Scheduler) account(ctx context.Context, c *ue.Context, dir model.Direction, id model.HARQID, o harq.Outcome) {
	if o != harq.OutcomeExpired {
		return
	}
	s.metrics.IncHARQExpiry(s.cell.Index, dir)
	s.log.Debug(ctx, "harq process expired", logging.UE(c.Index()), logging.Dir(dir), logging.Int("harq", int(id)))
}

func (s *Scheduler) onRLF(cell model.CellIndex, idx model.UEIndex, dir model.Direction, kos uint16) {
	s.metrics.IncRadioLinkFailure(cell, dir)
	s.log.Warn(context.Background(), "radio link failure",
		logging.UE(idx), logging.Dir(dir), logging.Int("consecutive_kos", int(kos)))
	if s.rlfNext != nil {
		s.rlfNext.OnRadioLinkFailure(cell, idx, dir, kos)
	}
}

func (s *Scheduler) capacity(ctx context.Context, resource string, idx model.UEIndex, dir model.Direction) {
	s.metrics.IncCapacityExhausted(s.cell.Index, resource)
	if s.capLog.Allow() {
		s.log.Debug(ctx, "capacity exhausted",
			logging.String("resource", resource), logging.UE(idx), logging.Dir(dir), logging.Slot(s.last))
	}
}
