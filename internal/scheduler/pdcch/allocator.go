package pdcch

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grid"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// ErrNoCandidate is returned when every candidate of every eligible
// aggregation level collides. It is a capacity condition.
var ErrNoCandidate = errors.New("pdcch: no free candidate")

// Request asks for one DCI.
type Request struct {
	UE          model.UEIndex
	RNTI        model.RNTI
	SearchSpace uint8
	Level       model.AggregationLevel
	// Retx marks DCIs scheduling a HARQ retransmission; Deadline is the
	// slot after which the retransmission is useless.
	Retx     bool
	Deadline model.SlotPoint
}

// Less orders requests by urgency: retransmissions first, nearest deadline
// first among them, then UE index.
func Less(a, b Request) bool {
	if a.Retx != b.Retx {
		return a.Retx
	}
	if a.Retx && a.Deadline.Valid() && b.Deadline.Valid() {
		if d := a.Deadline.Sub(b.Deadline); d != 0 {
			return d < 0
		}
	}
	return a.UE < b.UE
}

// Allocation is a committed PDCCH placement.
type Allocation struct {
	SearchSpace uint8
	Candidate   Candidate
}

// Allocator commits candidates onto a cell grid.
type Allocator struct {
	cache *Cache
	ring  *grid.Ring
	buf   []Candidate
}

// NewAllocator binds the candidate cache to the cell grid.
func NewAllocator(cache *Cache, ring *grid.Ring) (*Allocator, error) {
	if cache == nil || ring == nil {
		return nil, fmt.Errorf("pdcch: cache and ring are required")
	}
	return &Allocator{cache: cache, ring: ring, buf: make([]Candidate, 0, 16)}, nil
}

// Cache returns the candidate cache.
func (a *Allocator) Cache() *Cache { return a.cache }

// Allocate reserves the first free candidate at the requested aggregation
// level, falling back to higher levels.
func (a *Allocator) Allocate(sl model.SlotPoint, req Request) (Allocation, error) {
	start := req.Level.Index()
	if start < 0 {
		return Allocation{}, fmt.Errorf("pdcch: invalid aggregation level %d", req.Level)
	}
	tried := false
	for _, level := range model.AggregationLevels[start:] {
		var err error
		a.buf, err = a.cache.Candidates(req.SearchSpace, level, req.RNTI, sl.SlotInFrame(), a.buf[:0])
		if errors.Is(err, ErrNoCandidates) {
			continue
		}
		if err != nil {
			return Allocation{}, err
		}
		tried = true
		for i := range a.buf {
			cand := &a.buf[i]
			if !a.ring.Available(sl, model.Downlink, cand.Symbols, &cand.RBs) {
				continue
			}
			if err := a.ring.ReserveSet(sl, model.Downlink, cand.Symbols, &cand.RBs); err != nil {
				continue
			}
			return Allocation{SearchSpace: req.SearchSpace, Candidate: *cand}, nil
		}
	}
	if !tried {
		return Allocation{}, fmt.Errorf("%w: ss %d from al %d", ErrNoCandidates, req.SearchSpace, req.Level)
	}
	return Allocation{}, ErrNoCandidate
}

// Release undoes an allocation made in the current slot cycle, used when the
// matching data channel could not be placed.
func (a *Allocator) Release(sl model.SlotPoint, alloc Allocation) {
	a.ring.Free(sl, model.Downlink, alloc.Candidate.Symbols, &alloc.Candidate.RBs)
}

// LevelForCQI picks a starting aggregation level from the channel quality.
func LevelForCQI(cqi uint8) model.AggregationLevel {
	switch {
	case cqi >= 11:
		return 1
	case cqi >= 8:
		return 2
	case cqi >= 5:
		return 4
	case cqi >= 3:
		return 8
	default:
		return 16
	}
}
