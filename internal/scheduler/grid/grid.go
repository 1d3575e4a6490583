// Package grid tracks time/frequency occupancy of each cell slot so that no
// two grants overlap. Each cell owns one Ring; only the cell's slot goroutine
// touches it.
package grid

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/signalsfoundry/ran-scheduler/model"
)

var (
	// ErrCollision is returned when part of a requested region is in use.
	ErrCollision = errors.New("grid: region already reserved")
	// ErrOutOfBounds is returned for regions outside the carrier or slot.
	ErrOutOfBounds = errors.New("grid: region out of bounds")
)

type plane struct {
	symbols [model.NofSymbolsPerSlot]RBSet
}

type entry struct {
	slot  model.SlotPoint
	inUse bool
	dl    plane
	ul    plane
}

func (e *entry) plane(dir model.Direction) *plane {
	if dir == model.Uplink {
		return &e.ul
	}
	return &e.dl
}

// Ring is the per-cell ring of slot bitmaps indexed by slot modulo depth.
type Ring struct {
	cell    model.CellIndex
	nofRBs  uint16
	entries []entry
}

// NewRing allocates a ring. Depth must be a power of two so that the index
// stays continuous across the SFN wrap.
func NewRing(cell model.CellIndex, nofRBs uint16, depth int) (*Ring, error) {
	if nofRBs == 0 || nofRBs > model.MaxNofRBs {
		return nil, fmt.Errorf("grid: bandwidth %d RBs out of range", nofRBs)
	}
	if depth <= 0 || bits.OnesCount(uint(depth)) != 1 || depth > 1024 {
		return nil, fmt.Errorf("grid: depth %d must be a power of two up to 1024", depth)
	}
	return &Ring{cell: cell, nofRBs: nofRBs, entries: make([]entry, depth)}, nil
}

// Depth returns the number of slots tracked.
func (r *Ring) Depth() int { return len(r.entries) }

// NofRBs returns the carrier bandwidth in RBs.
func (r *Ring) NofRBs() uint16 { return r.nofRBs }

func (r *Ring) acquire(sl model.SlotPoint) *entry {
	e := &r.entries[int(sl.Count())%len(r.entries)]
	if e.inUse {
		if e.slot != sl {
			model.Invariantf("grid", "cell %d: slot %s bitmap still held by unreleased slot %s", r.cell, sl, e.slot)
		}
		return e
	}
	e.slot = sl
	e.inUse = true
	return e
}

func (r *Ring) check(sym model.SymbolInterval, set *RBSet) error {
	if !sym.Valid() {
		return fmt.Errorf("%w: symbols %s", ErrOutOfBounds, sym)
	}
	if set.Empty() || set.Max() > r.nofRBs {
		return fmt.Errorf("%w: rbs beyond %d", ErrOutOfBounds, r.nofRBs)
	}
	return nil
}

// Reserve marks a contiguous RB interval over the symbol interval. It either
// reserves the whole region or nothing.
func (r *Ring) Reserve(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval, rbs model.RBInterval) error {
	if rbs.Empty() || rbs.Stop > r.nofRBs {
		return fmt.Errorf("%w: rbs %s beyond %d", ErrOutOfBounds, rbs, r.nofRBs)
	}
	set := RBSetFromInterval(rbs)
	return r.ReserveSet(sl, dir, sym, &set)
}

// ReserveSet is Reserve for an arbitrary RB set, used by interleaved PDCCH.
func (r *Ring) ReserveSet(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval, set *RBSet) error {
	if err := r.check(sym, set); err != nil {
		return err
	}
	p := r.acquire(sl).plane(dir)
	for s := sym.Start; s < sym.Stop; s++ {
		if p.symbols[s].Intersects(set) {
			return ErrCollision
		}
	}
	for s := sym.Start; s < sym.Stop; s++ {
		p.symbols[s].or(set)
	}
	return nil
}

// Available reports whether the region is entirely free.
func (r *Ring) Available(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval, set *RBSet) bool {
	if r.check(sym, set) != nil {
		return false
	}
	p := r.acquire(sl).plane(dir)
	for s := sym.Start; s < sym.Stop; s++ {
		if p.symbols[s].Intersects(set) {
			return false
		}
	}
	return true
}

// Free undoes a reservation made earlier in the same slot cycle.
func (r *Ring) Free(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval, set *RBSet) {
	if r.check(sym, set) != nil {
		return
	}
	p := r.acquire(sl).plane(dir)
	for s := sym.Start; s < sym.Stop; s++ {
		p.symbols[s].andNot(set)
	}
}

// ReleaseAll clears the bitmap of sl once its grants are consumed. Calling it
// again, or for a slot whose entry was never used, is a no-op.
func (r *Ring) ReleaseAll(sl model.SlotPoint) {
	e := &r.entries[int(sl.Count())%len(r.entries)]
	if !e.inUse || e.slot != sl {
		return
	}
	*e = entry{}
}

// ReleaseBefore clears every entry held by a slot earlier than sl. It lets
// the owner catch up after skipped slot indications.
func (r *Ring) ReleaseBefore(sl model.SlotPoint) int {
	n := 0
	for i := range r.entries {
		e := &r.entries[i]
		if e.inUse && e.slot.Before(sl) {
			*e = entry{}
			n++
		}
	}
	return n
}

// Used returns the union of RBs reserved on any symbol of sym.
func (r *Ring) Used(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval) RBSet {
	var used RBSet
	if !sym.Valid() {
		return used
	}
	p := r.acquire(sl).plane(dir)
	for s := sym.Start; s < sym.Stop; s++ {
		used.or(&p.symbols[s])
	}
	return used
}

// FindFree looks for want contiguous RBs free on every symbol of sym inside
// within. It returns the first run of exactly want RBs, or the longest
// shorter run when none is long enough. An empty interval means no space.
func (r *Ring) FindFree(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval, want int, within model.RBInterval) model.RBInterval {
	if want <= 0 {
		return model.RBInterval{}
	}
	if within.Stop > r.nofRBs {
		within.Stop = r.nofRBs
	}
	used := r.Used(sl, dir, sym)
	var best model.RBInterval
	runStart := within.Start
	for rb := within.Start; rb <= within.Stop; rb++ {
		if rb < within.Stop && !used.Test(rb) {
			if rb-runStart+1 == uint16(want) {
				return model.RBInterval{Start: runStart, Stop: rb + 1}
			}
			continue
		}
		if run := (model.RBInterval{Start: runStart, Stop: rb}); run.Length() > best.Length() {
			best = run
		}
		runStart = rb + 1
	}
	return best
}

// Occupancy returns the fraction of symbol-RB pairs reserved in sl.
func (r *Ring) Occupancy(sl model.SlotPoint, dir model.Direction) float64 {
	e := &r.entries[int(sl.Count())%len(r.entries)]
	if !e.inUse || e.slot != sl {
		return 0
	}
	p := e.plane(dir)
	total := 0
	for s := range p.symbols {
		total += p.symbols[s].Count()
	}
	return float64(total) / float64(int(r.nofRBs)*model.NofSymbolsPerSlot)
}
