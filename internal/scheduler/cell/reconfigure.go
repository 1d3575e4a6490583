package cell

import (
	"context"
	"fmt"
	"reflect"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grid"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/pdcch"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// Reconfigure validates c and stages it for the next slot boundary. It may
// be called from any goroutine; a later call before that boundary replaces
// an earlier one. The index and numerology of a cell are fixed. Staging the
// configuration already in use is a no-op.
func (s *Scheduler) Reconfigure(c model.CellConfig) error {
	if c.Index != s.cfg.Cell.Index {
		return fmt.Errorf("cell %d: reconfiguration targets cell %d", s.cfg.Cell.Index, c.Index)
	}
	if c.Numerology != s.cfg.Cell.Numerology {
		return fmt.Errorf("cell %d: numerology change %d -> %d needs a new scheduler", c.Index, s.cfg.Cell.Numerology, c.Numerology)
	}
	cfg := s.cfg
	cfg.Cell = c
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cell %d: %w", c.Index, err)
	}
	if _, err := pdcch.NewCache(c); err != nil {
		return fmt.Errorf("cell %d: %w", c.Index, err)
	}
	if s.reconf.Load() == nil && reflect.DeepEqual(*s.view.Load(), c) {
		return nil
	}
	s.reconf.Store(&c)
	return nil
}

// applyCell switches the slot loop to c before anything is decided for sl.
// The grid is rebuilt for the new carrier and every UE restarts HARQ.
// PUSCH grants already signalled for later slots are carried over when they
// still fit.
func (s *Scheduler) applyCell(ctx context.Context, c model.CellConfig, sl model.SlotPoint) {
	ring, err := grid.NewRing(c.Index, c.NofRBs, s.cfg.RingDepth)
	if err == nil {
		err = s.pdcch.Cache().Reconfigure(c)
	}
	var alloc *pdcch.Allocator
	if err == nil {
		alloc, err = pdcch.NewAllocator(s.pdcch.Cache(), ring)
	}
	if err != nil {
		s.log.Error(ctx, "cell reconfiguration failed, keeping previous configuration", logging.Slot(sl), logging.Err(err))
		return
	}

	dropped := 0
	for i := range s.ulDue {
		d := &s.ulDue[i]
		if !d.slot.Valid() || d.slot.Before(sl) {
			continue
		}
		kept := d.grants[:0]
		for _, g := range d.grants {
			if g.RBs.Stop > c.NofRBs || ring.Reserve(d.slot, model.Uplink, g.Symbols, g.RBs) != nil {
				dropped++
				continue
			}
			kept = append(kept, g)
		}
		d.grants = kept
	}

	s.cell = c
	s.ring = ring
	s.pdcch = alloc
	s.view.Store(&c)

	removed := 0
	s.ues.Each(func(u *ue.Context) {
		if !u.Active() {
			return
		}
		cfg := u.Config()
		if _, ok := c.SearchSpace(cfg.SearchSpace); !ok {
			_ = s.ues.Remove(u.Index())
			removed++
			s.log.Warn(ctx, "ue deactivated, search space gone after cell reconfiguration",
				logging.UE(u.Index()), logging.Int("search_space", int(cfg.SearchSpace)))
			return
		}
		if err := u.ResetCell(c, s.ueOpts); err != nil {
			_ = s.ues.Remove(u.Index())
			removed++
			s.log.Warn(ctx, "ue deactivated after cell reconfiguration", logging.UE(u.Index()), logging.Err(err))
		}
	})
	s.dirty = true
	s.log.Info(ctx, "cell reconfigured",
		logging.Slot(sl),
		logging.Int("nof_rbs", int(c.NofRBs)),
		logging.Int("ul_grants_dropped", dropped),
		logging.Int("ues_removed", removed),
	)
}
