package cell

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/buffer"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grid"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/harq"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/mcs"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/pdcch"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/policy"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// retxRequest is a pending HARQ retransmission competing for a DCI.
type retxRequest struct {
	req  pdcch.Request
	dir  model.Direction
	ue   *ue.Context
	proc *harq.Process
}

// placement is one DCI and its data grant decided in the running slot. The
// slot keeps every placement until its result is published, so a discarded
// slot can hand back what it took.
type placement struct {
	dci      pdcch.Allocation
	dir      model.Direction
	dataSlot model.SlotPoint
	sym      model.SymbolInterval
	rbs      model.RBInterval

	harq *harq.Entity
	prev harq.Process

	// buf is nil for retransmissions; shares index s.committed.
	buf      *buffer.Manager
	from, to int
	sr       bool
}

// rollback undoes the placements of sl, newest first.
func (s *Scheduler) rollback(sl model.SlotPoint) {
	for i := len(s.placed) - 1; i >= 0; i-- {
		p := &s.placed[i]
		if p.buf != nil {
			p.buf.Uncommit(s.committed[p.from:p.to], p.sr)
		}
		p.harq.Restore(p.prev)
		set := grid.RBSetFromInterval(p.rbs)
		s.ring.Free(p.dataSlot, p.dir, p.sym, &set)
		s.pdcch.Release(sl, p.dci)
	}
	s.placed = s.placed[:0]
	s.committed = s.committed[:0]
}

func (s *Scheduler) band() model.RBInterval {
	return model.RBInterval{Start: 0, Stop: s.cell.NofRBs}
}

// dataSlot returns the slot and symbols of the shared channel scheduled by
// a DCI sent in sl.
func (s *Scheduler) dataSlot(sl model.SlotPoint, dir model.Direction) (model.SlotPoint, model.SymbolInterval) {
	if dir == model.Uplink {
		return sl.Add(int(s.cell.K2)), s.cell.PUSCHSymbols
	}
	return sl, s.cell.PDSCHSymbols
}

func (s *Scheduler) tbsParams(dir model.Direction, idx, layers uint8) mcs.TBSParams {
	sym := s.cell.PDSCHSymbols
	if dir == model.Uplink {
		sym = s.cell.PUSCHSymbols
	}
	return mcs.TBSParams{
		MCS:            idx,
		NofSymbols:     sym.Length(),
		DMRSPerPRB:     s.cfg.DMRSPerPRB,
		OverheadPerPRB: s.cfg.OverheadPerPRB,
		Layers:         max(layers, 1),
	}
}

// dataRoom reports whether another data grant fits the per-slot cap.
func (s *Scheduler) dataRoom(dir model.Direction) bool {
	limit := s.cell.MaxPDSCHsPerSlot
	if dir == model.Uplink {
		limit = s.cell.MaxPUSCHsPerSlot
	}
	return limit <= 0 || s.nofData[dir] < limit
}

func (s *Scheduler) marked(dir model.Direction, idx model.UEIndex) bool {
	return s.marks[dir][idx] == s.stamp
}

func (s *Scheduler) dciRequest(c *ue.Context, p *harq.Process) pdcch.Request {
	req := pdcch.Request{
		UE:          c.Index(),
		RNTI:        c.RNTI(),
		SearchSpace: c.Config().SearchSpace,
		Level:       pdcch.LevelForCQI(c.CSI.CQI()),
	}
	if p != nil {
		req.Retx = true
		req.Deadline = p.NewTxSlot.Add(s.cfg.AckTimeoutSlots * (int(p.MaxRetx) + 1))
	}
	return req
}

func (s *Scheduler) allocateDCI(ctx context.Context, sl model.SlotPoint, req pdcch.Request, dir model.Direction) (pdcch.Allocation, bool) {
	alloc, err := s.pdcch.Allocate(sl, req)
	if err == nil {
		return alloc, true
	}
	if errors.Is(err, pdcch.ErrNoCandidate) || errors.Is(err, pdcch.ErrNoCandidates) {
		s.capacity(ctx, observability.ResourcePDCCH, req.UE, dir)
	} else if s.inputLog.Allow() {
		s.log.Warn(ctx, "pdcch allocation failed", logging.UE(req.UE), logging.Err(err))
	}
	return pdcch.Allocation{}, false
}

func (s *Scheduler) reserve(sl model.SlotPoint, dir model.Direction, sym model.SymbolInterval, rbs model.RBInterval) {
	if err := s.ring.Reserve(sl, dir, sym, rbs); err != nil {
		model.Invariantf("cell", "cell %d: free run %s %s on %s rejected: %v", s.cell.Index, rbs, sym, sl, err)
	}
}

// scheduleRetx places pending retransmissions, most urgent first.
func (s *Scheduler) scheduleRetx(ctx context.Context, sl model.SlotPoint, ulOK bool) {
	s.retx = s.retx[:0]
	s.ues.Each(func(c *ue.Context) {
		if !c.Active() {
			return
		}
		for _, dir := range [...]model.Direction{model.Downlink, model.Uplink} {
			if dir == model.Uplink && !ulOK {
				continue
			}
			s.procs = c.HARQ.Entity(dir).PendingRetx(s.procs[:0])
			for _, p := range s.procs {
				s.retx = append(s.retx, retxRequest{req: s.dciRequest(c, p), dir: dir, ue: c, proc: p})
			}
		}
	})
	sort.SliceStable(s.retx, func(i, j int) bool {
		a, b := &s.retx[i], &s.retx[j]
		if pdcch.Less(a.req, b.req) {
			return true
		}
		if pdcch.Less(b.req, a.req) {
			return false
		}
		if a.dir != b.dir {
			return a.dir < b.dir
		}
		return a.proc.ID < b.proc.ID
	})
	for i := range s.retx {
		s.placeRetx(ctx, sl, &s.retx[i])
	}
}

func (s *Scheduler) placeRetx(ctx context.Context, sl model.SlotPoint, r *retxRequest) {
	dir, idx := r.dir, r.ue.Index()
	if s.marked(dir, idx) {
		return
	}
	if !s.dataRoom(dir) {
		s.capacity(ctx, observability.ResourceSlot, idx, dir)
		return
	}
	alloc, ok := s.allocateDCI(ctx, sl, r.req, dir)
	if !ok {
		return
	}
	dataSlot, sym := s.dataSlot(sl, dir)
	want := max(int(r.proc.NofRBs), 1)
	rbs := s.ring.FindFree(dataSlot, dir, sym, want, s.band())
	if rbs.Length() < want {
		s.pdcch.Release(sl, alloc)
		s.capacity(ctx, observability.ResourceGrid, idx, dir)
		return
	}
	s.reserve(dataSlot, dir, sym, rbs)

	ent := r.ue.HARQ.Entity(dir)
	s.placed = append(s.placed, placement{
		dci: alloc, dir: dir, dataSlot: dataSlot, sym: sym, rbs: rbs,
		harq: ent, prev: *r.proc,
	})
	var h *harq.Process
	if dir == model.Downlink {
		h = ent.Retx(r.proc.ID, sl, sl.Add(int(s.cell.K1)))
	} else {
		h = ent.Retx(r.proc.ID, dataSlot, dataSlot)
	}
	s.emit(sl, alloc, r.ue, dir, h, dataSlot, sym, rbs)
}

// scheduleNewTx ranks the UEs with pending data in dir and places them in
// rank order until a resource runs out.
func (s *Scheduler) scheduleNewTx(ctx context.Context, sl model.SlotPoint, dir model.Direction) {
	s.cands = s.cands[:0]
	s.ues.Each(func(c *ue.Context) {
		if cand, ok := s.candidate(sl, c, dir); ok {
			s.cands = append(s.cands, cand)
		}
	})
	if len(s.cands) == 0 {
		return
	}
	s.ranker.Rank(dir, s.cands)
	for i := range s.cands {
		if !s.dataRoom(dir) {
			s.capacity(ctx, observability.ResourceSlot, s.cands[i].UE, dir)
			return
		}
		c, ok := s.ues.Get(s.cands[i].UE)
		if !ok {
			continue
		}
		s.placeNewTx(ctx, sl, c, dir)
	}
}

func (s *Scheduler) candidate(sl model.SlotPoint, c *ue.Context, dir model.Direction) (policy.Candidate, bool) {
	if !c.Active() || s.marked(dir, c.Index()) {
		return policy.Candidate{}, false
	}
	buf := c.Buffer(dir)
	if buf.PendingNewTxBytes() == 0 {
		return policy.Candidate{}, false
	}
	if _, ok := c.HARQ.Entity(dir).FindEmpty(); !ok {
		return policy.Candidate{}, false
	}
	idx, ok := c.CSI.RecommendedMCS(dir, c.TargetBLER())
	if !ok {
		return policy.Candidate{}, false
	}
	p := s.tbsParams(dir, idx, c.CSI.RecommendedLayers(dir))
	p.NofPRBs = int(s.cell.NofRBs)
	cand := policy.Candidate{
		UE:             c.Index(),
		EstimatedBytes: mcs.TBSBytes(p),
		SR:             dir == model.Uplink && buf.SRPending(),
	}
	s.fillQoS(&cand, sl, c, dir)
	return cand, true
}

// fillQoS copies the QoS attributes of the most important channel with data.
func (s *Scheduler) fillQoS(cand *policy.Candidate, sl model.SlotPoint, c *ue.Context, dir model.Direction) {
	buf := c.Buffer(dir)
	prio, hol, ok := buf.HighestPriority()
	if !ok {
		return
	}
	cand.HasQoS = true
	cand.Priority = prio
	if hol.Valid() && !hol.After(sl) {
		cand.HOLDelay = time.Duration(sl.Sub(hol)) * s.cell.SlotDuration()
	}
	pdbSet := false
	for _, lc := range c.Config().LogicalChannels {
		key := uint8(lc.LCID)
		if dir == model.Uplink {
			key = lc.LCG
		}
		e, ok := buf.Entry(key)
		if !ok || e.Pending() == 0 {
			continue
		}
		cand.GBR += lc.GBR
		if !pdbSet && lc.Priority == prio {
			cand.PDB = lc.PacketDelayBudget
			pdbSet = true
		}
	}
}

func (s *Scheduler) placeNewTx(ctx context.Context, sl model.SlotPoint, c *ue.Context, dir model.Direction) {
	ent := c.HARQ.Entity(dir)
	id, ok := ent.FindEmpty()
	if !ok {
		s.capacity(ctx, observability.ResourceHARQ, c.Index(), dir)
		return
	}
	idx, ok := c.CSI.RecommendedMCS(dir, c.TargetBLER())
	if !ok {
		return
	}
	layers := max(c.CSI.RecommendedLayers(dir), 1)
	alloc, ok := s.allocateDCI(ctx, sl, s.dciRequest(c, nil), dir)
	if !ok {
		return
	}

	dataSlot, sym := s.dataSlot(sl, dir)
	buf := c.Buffer(dir)
	p := s.tbsParams(dir, idx, layers)
	want := mcs.PRBsForBytes(buf.RequiredBytes(), p, int(s.cell.NofRBs))
	rbs := s.ring.FindFree(dataSlot, dir, sym, want, s.band())
	p.NofPRBs = rbs.Length()
	tbs := mcs.TBSBytes(p)
	if rbs.Empty() || tbs == 0 {
		s.pdcch.Release(sl, alloc)
		s.capacity(ctx, observability.ResourceGrid, c.Index(), dir)
		return
	}
	s.reserve(dataSlot, dir, sym, rbs)

	prev, _ := ent.Process(id)
	sr := buf.SRPending()
	from := len(s.committed)
	s.committed = buf.Allocate(tbs, s.committed)
	s.placed = append(s.placed, placement{
		dci: alloc, dir: dir, dataSlot: dataSlot, sym: sym, rbs: rbs,
		harq: ent, prev: prev,
		buf: buf, from: from, to: len(s.committed), sr: sr,
	})
	s.shares = s.shares[:0]
	for _, a := range s.committed[from:] {
		s.shares = append(s.shares, harq.Share{ID: a.ID, Bytes: a.Bytes})
	}
	txSlot, ackSlot := sl, sl.Add(int(s.cell.K1))
	if dir == model.Uplink {
		txSlot, ackSlot = dataSlot, dataSlot
	}
	h := ent.NewTx(id, txSlot, ackSlot, harq.TxParams{
		TBS:    tbs,
		MCS:    idx,
		Layers: layers,
		NofRBs: uint16(rbs.Length()),
		CQI:    c.CSI.CQI(),
		Shares: s.shares,
	})
	s.emit(sl, alloc, c, dir, h, dataSlot, sym, rbs)
	s.served[dir] = append(s.served[dir], policy.Served{UE: c.Index(), Bytes: tbs})
}

// emit appends the DCI and its data grant. PUSCH grants are held until
// their slot comes up.
func (s *Scheduler) emit(sl model.SlotPoint, alloc pdcch.Allocation, c *ue.Context, dir model.Direction, h *harq.Process, dataSlot model.SlotPoint, sym model.SymbolInterval, rbs model.RBInterval) {
	ctrl := model.Grant{
		Kind:             model.GrantDLControl,
		Cell:             s.cell.Index,
		Slot:             sl,
		UE:               c.Index(),
		RNTI:             c.RNTI(),
		Symbols:          alloc.Candidate.Symbols,
		SearchSpace:      alloc.SearchSpace,
		AggregationLevel: alloc.Candidate.Level,
		CCE:              alloc.Candidate.CCE,
		ControlRBs:       model.RBMask(alloc.Candidate.RBs),
	}
	ctrl.RBs = ctrl.ControlRBs.Span()
	data := model.Grant{
		Kind:    model.GrantPDSCH,
		Cell:    s.cell.Index,
		Slot:    dataSlot,
		UE:      c.Index(),
		RNTI:    c.RNTI(),
		Symbols: sym,
		RBs:     rbs,
		MCS:     h.MCS,
		Layers:  h.Layers,
		TBS:     h.TBS,
		HARQ:    h.ID,
		NDI:     h.NDI,
		NewTx:   h.Retx == 0,
		Retx:    h.Retx,
	}
	if dir == model.Uplink {
		ctrl.Kind = model.GrantULControl
		ctrl.Delay = s.cell.K2
		data.Kind = model.GrantPUSCH
		s.pusch = append(s.pusch, data)
	} else {
		data.Delay = s.cell.K1
		s.grants = append(s.grants, data)
	}
	s.grants = append(s.grants, ctrl)
	s.marks[dir][c.Index()] = s.stamp
	s.nofData[dir]++
}
