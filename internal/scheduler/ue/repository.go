package ue

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/ran-scheduler/model"
)

var (
	// ErrUnknownUE is returned for inputs addressed to a UE the cell lacks.
	ErrUnknownUE = errors.New("ue: unknown ue")
	// ErrDuplicateUE is returned when adding an index already in use.
	ErrDuplicateUE = errors.New("ue: ue index already in use")
)

// Repository is the fixed-capacity table of UE contexts of one cell.
// Removal is two-phase: Remove marks the UE inactive immediately and Sweep
// frees the slot at the next slot boundary.
type Repository struct {
	ues      [model.MaxUEs]*Context
	removing [model.MaxUEs]bool
	// order lists occupied indices in increasing order.
	order []model.UEIndex
}

// NewRepository returns an empty repository.
func NewRepository() *Repository {
	return &Repository{order: make([]model.UEIndex, 0, 64)}
}

// Add inserts ctx.
func (r *Repository) Add(ctx *Context) error {
	idx := ctx.Index()
	if int(idx) >= model.MaxUEs {
		return fmt.Errorf("%w: index %d", ErrUnknownUE, idx)
	}
	if r.ues[idx] != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateUE, idx)
	}
	r.ues[idx] = ctx
	pos := len(r.order)
	for i, u := range r.order {
		if u > idx {
			pos = i
			break
		}
	}
	r.order = append(r.order, 0)
	copy(r.order[pos+1:], r.order[pos:])
	r.order[pos] = idx
	return nil
}

// Get returns the context of idx, including UEs being removed.
func (r *Repository) Get(idx model.UEIndex) (*Context, bool) {
	if int(idx) >= model.MaxUEs || r.ues[idx] == nil {
		return nil, false
	}
	return r.ues[idx], true
}

// Remove deactivates idx. Its context stays reachable until Sweep.
func (r *Repository) Remove(idx model.UEIndex) error {
	ctx, ok := r.Get(idx)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	ctx.active = false
	r.removing[idx] = true
	return nil
}

// Sweep frees UEs removed before the current boundary and calls fn for each.
func (r *Repository) Sweep(fn func(*Context)) {
	kept := r.order[:0]
	for _, idx := range r.order {
		if !r.removing[idx] {
			kept = append(kept, idx)
			continue
		}
		if fn != nil {
			fn(r.ues[idx])
		}
		r.ues[idx] = nil
		r.removing[idx] = false
	}
	r.order = kept
}

// Each calls fn for every UE in index order, active or not.
func (r *Repository) Each(fn func(*Context)) {
	for _, idx := range r.order {
		fn(r.ues[idx])
	}
}

// Len returns the number of UEs held, including those being removed.
func (r *Repository) Len() int { return len(r.order) }

// Active returns the number of UEs that may be scheduled.
func (r *Repository) Active() int {
	n := 0
	for _, idx := range r.order {
		if r.ues[idx].active {
			n++
		}
	}
	return n
}
