// Package runtime wires cell schedulers to the slot clock, the
// configuration store and the diagnostics journal. Each cell runs on its own
// goroutine; everything else talks to it through non-blocking queues.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/ran-scheduler/internal/journal"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/harq"
	"github.com/signalsfoundry/ran-scheduler/kb"
	"github.com/signalsfoundry/ran-scheduler/model"
	"github.com/signalsfoundry/ran-scheduler/timectrl"
)

var (
	// ErrUnknownCell is returned for inputs addressed to a cell this runtime
	// does not host.
	ErrUnknownCell = errors.New("runtime: unknown cell")
	// ErrNotRunning is returned by Step before Start or after Stop.
	ErrNotRunning = errors.New("runtime: not running")
	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("runtime: already running")
	// ErrStopped is returned by Start after Stop. A stopped runtime cannot
	// be restarted; build a new one.
	ErrStopped = errors.New("runtime: stopped")
)

// Config describes the cells hosted by one runtime.
type Config struct {
	Cells []cell.Config
	Mode  timectrl.Mode
	// Start is the time of slot 0; zero means time.Now at construction.
	Start time.Time
	// CPUs pins cell goroutines round-robin (linux only). Empty disables
	// pinning.
	CPUs []int
	// SlotBuffer is the number of pending slot indications per cell.
	SlotBuffer int
}

// RLFCallback is told about radio link failures after they were journaled.
// It runs on the cell goroutine and must not block.
type RLFCallback func(cell model.CellIndex, ue model.UEIndex, dir model.Direction, consecutiveKOs uint16)

type tick struct {
	sl   model.SlotPoint
	done *sync.WaitGroup
}

type worker struct {
	sched *cell.Scheduler
	slots chan tick
	cpu   int
	last  atomic.Pointer[grant.Result]
	// closed is written under cellMu held for writing.
	closed bool
}

// close ends the worker goroutine once it drained its pending slots.
func (w *worker) close() {
	if !w.closed {
		w.closed = true
		close(w.slots)
	}
}

// Runtime owns the cell goroutines.
type Runtime struct {
	KB        *kb.KnowledgeBase
	Clock     *timectrl.SlotController
	Publisher *grant.Publisher

	cfg     Config
	log     logging.Logger
	metrics *observability.SchedulerCollector
	journal *journal.Journal
	onRLF   RLFCallback
	tracer  trace.Tracer

	// cellMu guards workers and order. Cells come and go with the KB.
	cellMu     sync.RWMutex
	workers    map[model.CellIndex]*worker
	order      []model.CellIndex
	numerology uint8

	unsubscribe func()

	mu      sync.Mutex
	stepMu  sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	clockWG <-chan struct{}
}

// Option customises a Runtime.
type Option func(*Runtime)

func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *observability.SchedulerCollector) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithJournal records incidents and throughput in j.
func WithJournal(j *journal.Journal) Option {
	return func(r *Runtime) { r.journal = j }
}

func WithRLFCallback(fn RLFCallback) Option {
	return func(r *Runtime) { r.onRLF = fn }
}

// WithPublisher shares p instead of creating a publisher.
func WithPublisher(p *grant.Publisher) Option {
	return func(r *Runtime) {
		if p != nil {
			r.Publisher = p
		}
	}
}

// WithTracer replaces the global scheduler tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New builds one scheduler per configured cell and subscribes to store. All
// cells share one numerology. Every cell is added to store.
func New(cfg Config, store *kb.KnowledgeBase, opts ...Option) (*Runtime, error) {
	if len(cfg.Cells) == 0 {
		return nil, errors.New("runtime: no cells")
	}
	if store == nil {
		store = kb.NewKnowledgeBase()
	}
	if cfg.SlotBuffer <= 0 {
		cfg.SlotBuffer = 4
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	numerology := cfg.Cells[0].Cell.Numerology
	r := &Runtime{
		KB:         store,
		Clock:      timectrl.NewSlotController(numerology, cfg.Start, cfg.Mode),
		cfg:        cfg,
		log:        logging.Noop(),
		tracer:     observability.Tracer(),
		workers:    make(map[model.CellIndex]*worker, len(cfg.Cells)),
		numerology: numerology,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Publisher == nil {
		r.Publisher = grant.NewPublisher()
	}

	for _, cc := range cfg.Cells {
		if _, dup := r.workers[cc.Cell.Index]; dup {
			return nil, fmt.Errorf("runtime: cell %d configured twice", cc.Cell.Index)
		}
		w, err := r.newWorker(cc)
		if err != nil {
			return nil, err
		}
		if err := store.PutCell(cc.Cell); err != nil {
			return nil, err
		}
		r.workers[cc.Cell.Index] = w
		r.order = append(r.order, cc.Cell.Index)
	}
	slices.Sort(r.order)
	if r.journal != nil {
		r.Publisher.Subscribe(r.journal)
	}
	r.unsubscribe = store.Subscribe(r.onKBEvent)
	return r, nil
}

// newWorker builds the scheduler of cc. CPUs are handed out round-robin in
// creation order.
func (r *Runtime) newWorker(cc cell.Config) (*worker, error) {
	if cc.Cell.Numerology != r.numerology {
		return nil, fmt.Errorf("runtime: cell %d numerology %d differs from %d", cc.Cell.Index, cc.Cell.Numerology, r.numerology)
	}
	schedOpts := []cell.Option{
		cell.WithLogger(r.log),
		cell.WithMetrics(r.metrics),
		cell.WithPublisher(r.Publisher),
		cell.WithRLFNotifier(r),
		cell.WithMissedDeadline(r.missedDeadline),
	}
	if r.cfg.Mode == timectrl.Accelerated {
		// deadlines are measured in simulated time
		schedOpts = append(schedOpts, cell.WithClock(r.Clock.Now))
	}
	s, err := cell.NewScheduler(cc, schedOpts...)
	if err != nil {
		return nil, err
	}
	cpu := -1
	if len(r.cfg.CPUs) > 0 {
		cpu = r.cfg.CPUs[len(r.workers)%len(r.cfg.CPUs)]
	}
	return &worker{sched: s, slots: make(chan tick, r.cfg.SlotBuffer), cpu: cpu}, nil
}

func (r *Runtime) worker(idx model.CellIndex) (*worker, bool) {
	r.cellMu.RLock()
	defer r.cellMu.RUnlock()
	w, ok := r.workers[idx]
	return w, ok
}

// Cells returns the hosted cells in index order.
func (r *Runtime) Cells() []model.CellIndex {
	r.cellMu.RLock()
	defer r.cellMu.RUnlock()
	return slices.Clone(r.order)
}

// Scheduler returns the scheduler of idx.
func (r *Runtime) Scheduler(idx model.CellIndex) (*cell.Scheduler, bool) {
	w, ok := r.worker(idx)
	if !ok {
		return nil, false
	}
	return w.sched, true
}

// Snapshot returns the latest debug view of idx.
func (r *Runtime) Snapshot(idx model.CellIndex) (*cell.Snapshot, bool) {
	w, ok := r.worker(idx)
	if !ok {
		return nil, false
	}
	return w.sched.Snapshot(), true
}

// Snapshots returns the latest debug view of every cell.
func (r *Runtime) Snapshots() []*cell.Snapshot {
	r.cellMu.RLock()
	defer r.cellMu.RUnlock()
	out := make([]*cell.Snapshot, 0, len(r.order))
	for _, idx := range r.order {
		out = append(out, r.workers[idx].sched.Snapshot())
	}
	return out
}

// LastResult returns the most recent published result of idx.
func (r *Runtime) LastResult(idx model.CellIndex) (grant.Result, bool) {
	w, ok := r.worker(idx)
	if !ok {
		return grant.Result{}, false
	}
	res := w.last.Load()
	if res == nil {
		return grant.Result{}, false
	}
	return *res, true
}

// Start launches the cell goroutines. In RealTime mode the slot clock is
// started too; in Accelerated mode the caller advances time with Step.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.ctx, r.cancel = ctx, cancel
	r.running = true

	r.cellMu.RLock()
	for _, idx := range r.order {
		r.launch(ctx, r.workers[idx])
	}
	nofCells := len(r.order)
	r.cellMu.RUnlock()
	if r.cfg.Mode == timectrl.RealTime {
		r.Clock.AddListener(r.dispatch)
		r.clockWG = r.Clock.Start(ctx, 0)
	}
	r.log.Info(ctx, "runtime started",
		logging.Int("cells", nofCells),
		logging.String("mode", r.cfg.Mode.String()),
		logging.Duration("slot", r.Clock.SlotDuration()),
	)
	return nil
}

func (r *Runtime) launch(ctx context.Context, w *worker) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runWorker(ctx, w)
	}()
}

// Stop cancels the goroutines and waits for them. The KB subscription is
// released. Stopping twice is a no-op; a stopped runtime cannot be started
// again.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.stopped = true
	cancel, clockDone := r.cancel, r.clockWG
	r.mu.Unlock()

	cancel()
	if clockDone != nil {
		<-clockDone
	}
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	r.cellMu.Lock()
	for _, w := range r.workers {
		w.close()
	}
	r.cellMu.Unlock()
	r.wg.Wait()
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.log.Info(context.Background(), "runtime stopped")
}

// Step advances the clock by one slot and waits until every cell finished
// it. It is only valid in Accelerated mode.
func (r *Runtime) Step(ctx context.Context) (model.SlotPoint, error) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return model.SlotPoint{}, ErrNotRunning
	}
	if r.cfg.Mode != timectrl.Accelerated {
		return model.SlotPoint{}, errors.New("runtime: Step requires accelerated mode")
	}
	sl := r.Clock.Step()
	var wg sync.WaitGroup
	r.cellMu.RLock()
	for _, idx := range r.order {
		wg.Add(1)
		select {
		case r.workers[idx].slots <- tick{sl: sl, done: &wg}:
		case <-ctx.Done():
			wg.Done()
			r.cellMu.RUnlock()
			return sl, ctx.Err()
		}
	}
	r.cellMu.RUnlock()
	wg.Wait()
	return sl, ctx.Err()
}

// Run steps n slots, or until ctx is done when n is 0.
func (r *Runtime) Run(ctx context.Context, n uint64) error {
	for i := uint64(0); n == 0 || i < n; i++ {
		if _, err := r.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// dispatch hands a real-time slot indication to every cell. A cell that is
// still busy with earlier slots skips this one.
func (r *Runtime) dispatch(sl model.SlotPoint, _ time.Time) {
	r.cellMu.RLock()
	defer r.cellMu.RUnlock()
	for _, idx := range r.order {
		select {
		case r.workers[idx].slots <- tick{sl: sl}:
		default:
			r.metrics.IncSkippedSlot(idx)
		}
	}
}

func (r *Runtime) runWorker(ctx context.Context, w *worker) {
	idx := w.sched.Cell().Index
	if w.cpu >= 0 {
		if err := pinToCPU(w.cpu); err != nil {
			r.log.Warn(ctx, "cpu affinity not applied", logging.Cell(idx), logging.Int("cpu", w.cpu), logging.Err(err))
		}
	}
	for t := range w.slots {
		if ctx.Err() == nil {
			res, err := w.sched.RunSlot(ctx, t.sl)
			switch {
			case err == nil:
				if len(res.Grants) > 0 {
					w.last.Store(&res)
				}
			case errors.Is(err, cell.ErrDeadlineMissed), errors.Is(err, context.Canceled):
			default:
				r.log.Error(ctx, "slot failed", logging.Cell(idx), logging.Slot(t.sl), logging.Err(err))
			}
		}
		if t.done != nil {
			t.done.Done()
		}
	}
}

// OnRadioLinkFailure implements harq.RLFNotifier. The cell scheduler has
// already logged and counted the failure.
func (r *Runtime) OnRadioLinkFailure(c model.CellIndex, ue model.UEIndex, dir model.Direction, kos uint16) {
	if r.journal != nil {
		r.journal.RecordRLF(c, ue, dir, kos, r.Clock.Current())
	}
	if r.onRLF != nil {
		r.onRLF(c, ue, dir, kos)
	}
}

var _ harq.RLFNotifier = (*Runtime)(nil)

func (r *Runtime) missedDeadline(c model.CellIndex, sl model.SlotPoint, elapsed time.Duration) {
	if r.journal != nil {
		r.journal.RecordMissedDeadline(c, sl, elapsed)
	}
}
