// Package grant delivers per-slot scheduling results to the physical layer
// and other consumers.
package grant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// ErrOutOfOrder is returned when a cell publishes a slot that is not after
// its previously published slot.
var ErrOutOfOrder = errors.New("grant: slot not after last published slot")

// Result is the immutable outcome of one cell slot. A slot for which no
// Result is delivered carries no transmission.
type Result struct {
	Cell   model.CellIndex
	Slot   model.SlotPoint
	Grants []model.Grant
	// Digest is the xxh3 hash of the encoded result.
	Digest uint64
}

// Sink receives results. Deliver must not block; it returns false when the
// result was dropped.
type Sink interface {
	Deliver(Result) bool
}

// Publisher fans results out to sinks. Publish is called from every cell
// goroutine; each cell's slots must strictly increase.
type Publisher struct {
	mu    sync.RWMutex
	sinks map[int]Sink
	next  int

	lastMu sync.Mutex
	last   [model.MaxCells]model.SlotPoint

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher returns a publisher delivering to sinks.
func NewPublisher(sinks ...Sink) *Publisher {
	p := &Publisher{sinks: make(map[int]Sink)}
	for _, s := range sinks {
		p.Subscribe(s)
	}
	return p
}

// Subscribe adds s and returns a function removing it.
func (p *Publisher) Subscribe(s Sink) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.sinks[id] = s
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.sinks, id)
		p.mu.Unlock()
	}
}

// ResetCell forgets the last published slot of cell, used when the cell
// scheduler is rebuilt.
func (p *Publisher) ResetCell(cell model.CellIndex) {
	if int(cell) >= model.MaxCells {
		return
	}
	p.lastMu.Lock()
	p.last[cell] = model.SlotPoint{}
	p.lastMu.Unlock()
}

// Publish orders grants, stamps the digest and delivers the result. Empty
// results advance the slot sequence but are not delivered.
func (p *Publisher) Publish(cell model.CellIndex, sl model.SlotPoint, grants []model.Grant) (Result, error) {
	if int(cell) >= model.MaxCells {
		return Result{}, fmt.Errorf("grant: cell %d out of range", cell)
	}
	p.lastMu.Lock()
	last := p.last[cell]
	if last.Valid() && !sl.After(last) {
		p.lastMu.Unlock()
		return Result{}, fmt.Errorf("%w: cell %d slot %s, last %s", ErrOutOfOrder, cell, sl, last)
	}
	p.last[cell] = sl
	p.lastMu.Unlock()

	res := Result{Cell: cell, Slot: sl, Grants: append([]model.Grant(nil), grants...)}
	Sort(res.Grants)
	res.Digest = Digest(res)
	if len(res.Grants) == 0 {
		return res, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.sinks {
		if s.Deliver(res) {
			p.delivered.Add(1)
		} else {
			p.dropped.Add(1)
		}
	}
	return res, nil
}

// Stats returns delivered and dropped deliveries across sinks.
func (p *Publisher) Stats() (delivered, dropped uint64) {
	return p.delivered.Load(), p.dropped.Load()
}

// Sort puts grants into the published order: DL control, UL control, PDSCH,
// PUSCH, then by UE index and HARQ id.
func Sort(grants []model.Grant) {
	sort.SliceStable(grants, func(i, j int) bool {
		a, b := &grants[i], &grants[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.UE != b.UE {
			return a.UE < b.UE
		}
		return a.HARQ < b.HARQ
	})
}

// ChannelSink buffers results on a channel and drops when it is full.
type ChannelSink struct {
	ch      chan Result
	dropped atomic.Uint64
}

// NewChannelSink returns a sink buffering up to size results.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Result, size)}
}

// C returns the receive side.
func (s *ChannelSink) C() <-chan Result { return s.ch }

// Deliver implements Sink.
func (s *ChannelSink) Deliver(r Result) bool {
	select {
	case s.ch <- r:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns results refused because the buffer was full.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// FuncSink adapts a function to Sink.
type FuncSink func(Result) bool

// Deliver implements Sink.
func (f FuncSink) Deliver(r Result) bool { return f(r) }

// Recorder keeps every delivered result. Used by tests and the simulator.
type Recorder struct {
	mu      sync.Mutex
	results []Result
}

// Deliver implements Sink.
func (r *Recorder) Deliver(res Result) bool {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	return true
}

// Results returns a copy of the recorded results.
func (r *Recorder) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}
