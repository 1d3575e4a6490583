// Package kb is the in-memory store of cell and UE configuration. The
// management layer writes it; the runtime subscribes and turns changes into
// cell procedures.
package kb

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/ran-scheduler/model"
)

var (
	// ErrNotFound is returned for unknown cells or UEs.
	ErrNotFound = errors.New("kb: not found")
	// ErrExists is returned when an index or RNTI is already taken.
	ErrExists = errors.New("kb: already exists")
	// ErrInUse is returned when removing a cell that still serves UEs.
	ErrInUse = errors.New("kb: in use")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventCellUpdated EventType = iota
	EventUEAdded
	EventUEUpdated
	EventUERemoved
	EventCellRemoved
)

func (t EventType) String() string {
	switch t {
	case EventCellUpdated:
		return "cell_updated"
	case EventUEAdded:
		return "ue_added"
	case EventUEUpdated:
		return "ue_updated"
	case EventUERemoved:
		return "ue_removed"
	case EventCellRemoved:
		return "cell_removed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted to subscribers after a change was committed.
type Event struct {
	Type        EventType
	ProcedureID string

	// Cell is the new configuration, or the removed one.
	Cell model.CellConfig
	// UE is the new configuration; Previous is set on update and removal.
	UE       model.UEConfig
	Previous model.UEConfig
}

// KnowledgeBase is an in-memory, thread-safe configuration store.
type KnowledgeBase struct {
	mu sync.RWMutex

	cells map[model.CellIndex]model.CellConfig
	ues   map[model.UEIndex]model.UEConfig
	rntis map[model.RNTI]model.UEIndex

	subs    map[int]func(Event)
	nextSub int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		cells: make(map[model.CellIndex]model.CellConfig),
		ues:   make(map[model.UEIndex]model.UEConfig),
		rntis: make(map[model.RNTI]model.UEIndex),
		subs:  make(map[int]func(Event)),
	}
}

// PutCell validates and stores a cell configuration.
func (kb *KnowledgeBase) PutCell(c model.CellConfig) error {
	if int(c.Index) >= model.MaxCells {
		return fmt.Errorf("cell %d exceeds %d cells", c.Index, model.MaxCells)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("cell %d: %w", c.Index, err)
	}
	c = cloneCell(c)
	kb.mu.Lock()
	kb.cells[c.Index] = c
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventCellUpdated, Cell: cloneCell(c)})
	return nil
}

// RemoveCell deletes a cell no UE is configured on and notifies
// subscribers.
func (kb *KnowledgeBase) RemoveCell(idx model.CellIndex) error {
	kb.mu.Lock()
	prev, ok := kb.cells[idx]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: cell %d", ErrNotFound, idx)
	}
	for _, u := range kb.ues {
		if u.Serves(idx) {
			kb.mu.Unlock()
			return fmt.Errorf("%w: cell %d serves ue %d", ErrInUse, idx, u.Index)
		}
	}
	delete(kb.cells, idx)
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventCellRemoved, Cell: prev})
	return nil
}

// Cell returns the configuration of idx.
func (kb *KnowledgeBase) Cell(idx model.CellIndex) (model.CellConfig, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	c, ok := kb.cells[idx]
	if !ok {
		return model.CellConfig{}, false
	}
	return cloneCell(c), true
}

// Cells returns every cell ordered by index.
func (kb *KnowledgeBase) Cells() []model.CellConfig {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	res := make([]model.CellConfig, 0, len(kb.cells))
	for _, c := range kb.cells {
		res = append(res, cloneCell(c))
	}
	slices.SortFunc(res, func(a, b model.CellConfig) int { return int(a.Index) - int(b.Index) })
	return res
}

func (kb *KnowledgeBase) checkCellsLocked(u model.UEConfig) error {
	for _, c := range u.Cells {
		if _, ok := kb.cells[c]; !ok {
			return fmt.Errorf("%w: cell %d for ue %d", ErrNotFound, c, u.Index)
		}
	}
	return nil
}

// AddUE stores a new UE and notifies subscribers.
func (kb *KnowledgeBase) AddUE(u model.UEConfig, procedureID string) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("ue %d: %w", u.Index, err)
	}
	u = cloneUE(u)
	kb.mu.Lock()
	if _, exists := kb.ues[u.Index]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: ue %d", ErrExists, u.Index)
	}
	if other, taken := kb.rntis[u.RNTI]; taken {
		kb.mu.Unlock()
		return fmt.Errorf("%w: rnti %#x used by ue %d", ErrExists, u.RNTI, other)
	}
	if err := kb.checkCellsLocked(u); err != nil {
		kb.mu.Unlock()
		return err
	}
	kb.ues[u.Index] = u
	kb.rntis[u.RNTI] = u.Index
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventUEAdded, ProcedureID: procedureID, UE: cloneUE(u)})
	return nil
}

// UpdateUE replaces the configuration of an existing UE. The RNTI cannot
// change.
func (kb *KnowledgeBase) UpdateUE(u model.UEConfig, procedureID string) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("ue %d: %w", u.Index, err)
	}
	u = cloneUE(u)
	kb.mu.Lock()
	prev, ok := kb.ues[u.Index]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: ue %d", ErrNotFound, u.Index)
	}
	if prev.RNTI != u.RNTI {
		kb.mu.Unlock()
		return fmt.Errorf("ue %d: rnti change %#x -> %#x not supported", u.Index, prev.RNTI, u.RNTI)
	}
	if err := kb.checkCellsLocked(u); err != nil {
		kb.mu.Unlock()
		return err
	}
	kb.ues[u.Index] = u
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventUEUpdated, ProcedureID: procedureID, UE: cloneUE(u), Previous: prev})
	return nil
}

// RemoveUE deletes a UE and notifies subscribers.
func (kb *KnowledgeBase) RemoveUE(idx model.UEIndex, procedureID string) error {
	kb.mu.Lock()
	prev, ok := kb.ues[idx]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: ue %d", ErrNotFound, idx)
	}
	delete(kb.ues, idx)
	delete(kb.rntis, prev.RNTI)
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventUERemoved, ProcedureID: procedureID, Previous: prev})
	return nil
}

// UE returns the configuration of idx.
func (kb *KnowledgeBase) UE(idx model.UEIndex) (model.UEConfig, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	u, ok := kb.ues[idx]
	if !ok {
		return model.UEConfig{}, false
	}
	return cloneUE(u), true
}

// UEByRNTI resolves a C-RNTI.
func (kb *KnowledgeBase) UEByRNTI(rnti model.RNTI) (model.UEConfig, bool) {
	kb.mu.RLock()
	idx, ok := kb.rntis[rnti]
	kb.mu.RUnlock()
	if !ok {
		return model.UEConfig{}, false
	}
	return kb.UE(idx)
}

// UEs returns every UE ordered by index.
func (kb *KnowledgeBase) UEs() []model.UEConfig {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	res := make([]model.UEConfig, 0, len(kb.ues))
	for _, u := range kb.ues {
		res = append(res, cloneUE(u))
	}
	slices.SortFunc(res, func(a, b model.UEConfig) int { return int(a.Index) - int(b.Index) })
	return res
}

// Counts returns the number of cells and UEs.
func (kb *KnowledgeBase) Counts() (cells, ues int) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.cells), len(kb.ues)
}

// Subscribe registers a callback for KB events. It returns an unsubscribe
// function. Callbacks run on the writer's goroutine, outside the lock.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextSub
	kb.nextSub++
	kb.subs[id] = fn
	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

// subscribers snapshots callbacks in registration order. Caller holds mu.
func (kb *KnowledgeBase) subscribers() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, kb.subs[id])
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

func cloneUE(u model.UEConfig) model.UEConfig {
	u.Cells = slices.Clone(u.Cells)
	u.LogicalChannels = slices.Clone(u.LogicalChannels)
	return u
}

func cloneCell(c model.CellConfig) model.CellConfig {
	c.Coresets = slices.Clone(c.Coresets)
	c.SearchSpaces = slices.Clone(c.SearchSpaces)
	if c.TDD != nil {
		p := *c.TDD
		c.TDD = &p
	}
	return c
}
