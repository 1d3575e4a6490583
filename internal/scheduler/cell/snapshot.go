package cell

import (
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/policy"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// UEStatus is a point-in-time view of one UE for debugging.
type UEStatus struct {
	UE     model.UEIndex `json:"ue"`
	RNTI   model.RNTI    `json:"rnti"`
	Active bool          `json:"active"`

	CQI uint8 `json:"cqi"`
	RI  uint8 `json:"ri"`
	// LastCSI is the slot of the last accepted CSI report.
	LastCSI string `json:"last_csi,omitempty"`

	DLPendingBytes uint32 `json:"dl_pending_bytes"`
	ULPendingBytes uint32 `json:"ul_pending_bytes"`
	DLHARQBusy     int    `json:"dl_harq_busy"`
	ULHARQBusy     int    `json:"ul_harq_busy"`
	DLKOs          uint16 `json:"dl_consecutive_kos"`
	ULKOs          uint16 `json:"ul_consecutive_kos"`
	RLF            bool   `json:"rlf"`

	// Scheduled bytes of new transmissions since the UE was created.
	DLBytes uint64 `json:"dl_bytes"`
	ULBytes uint64 `json:"ul_bytes"`
	// Averaged bytes per slot as seen by the ranking policy.
	DLAvgRate float64 `json:"dl_avg_rate,omitempty"`
	ULAvgRate float64 `json:"ul_avg_rate,omitempty"`

	CSIRejected uint64 `json:"csi_rejected"`
}

// Snapshot is an immutable view of a cell published by its slot goroutine.
type Snapshot struct {
	Cell   model.CellIndex `json:"cell"`
	Slot   string          `json:"slot"`
	Policy string          `json:"policy"`
	NofRBs uint16          `json:"nof_rbs"`

	Slots         uint64  `json:"slots"`
	MissedSlots   uint64  `json:"missed_slots"`
	QueueDropped  uint64  `json:"queue_dropped"`
	PDCCHHitRatio float64 `json:"pdcch_hit_ratio"`

	// Resource use of the last published slot of each kind.
	DLOccupancy float64 `json:"dl_occupancy"`
	ULOccupancy float64 `json:"ul_occupancy"`
	CCEsUsed    int     `json:"cces_used"`
	CCEs        int     `json:"cces"`

	UEs []UEStatus `json:"ues"`
}

// Snapshot returns the latest published view. It is safe to call from any
// goroutine; the view lags the slot loop by up to a few dozen slots.
func (s *Scheduler) Snapshot() *Snapshot { return s.snap.Load() }

// UE returns the status of idx from the latest snapshot.
func (snap *Snapshot) UE(idx model.UEIndex) (UEStatus, bool) {
	for _, u := range snap.UEs {
		if u.UE == idx {
			return u, true
		}
	}
	return UEStatus{}, false
}

func (s *Scheduler) refreshSnapshot(sl model.SlotPoint) {
	slots, missed := s.Stats()
	snap := &Snapshot{
		Cell:          s.cell.Index,
		Slot:          sl.String(),
		Policy:        s.ranker.Kind().String(),
		NofRBs:        s.cell.NofRBs,
		Slots:         slots,
		MissedSlots:   missed,
		QueueDropped:  s.queue.Dropped(),
		PDCCHHitRatio: s.pdcch.Cache().HitRatio(),
		DLOccupancy:   s.occupancy[model.Downlink],
		ULOccupancy:   s.occupancy[model.Uplink],
		CCEsUsed:      s.cceUsed,
		CCEs:          s.cceTotal,
		UEs:           make([]UEStatus, 0, s.ues.Len()),
	}
	rates, _ := s.ranker.(policy.RateReporter)
	s.ues.Each(func(c *ue.Context) {
		idx := c.Index()
		st := UEStatus{
			UE:             idx,
			RNTI:           c.RNTI(),
			Active:         c.Active(),
			CQI:            c.CSI.CQI(),
			RI:             c.CSI.RI(),
			DLPendingBytes: c.DL.PendingNewTxBytes(),
			ULPendingBytes: c.UL.PendingNewTxBytes(),
			DLHARQBusy:     c.HARQ.Entity(model.Downlink).Busy(),
			ULHARQBusy:     c.HARQ.Entity(model.Uplink).Busy(),
			DLKOs:          c.HARQ.ConsecutiveKOs(model.Downlink),
			ULKOs:          c.HARQ.ConsecutiveKOs(model.Uplink),
			RLF:            c.HARQ.RLFDeclared(model.Downlink) || c.HARQ.RLFDeclared(model.Uplink),
			DLBytes:        s.bytes[idx][model.Downlink],
			ULBytes:        s.bytes[idx][model.Uplink],
			CSIRejected:    c.CSI.Rejected(),
		}
		if last := c.CSI.LastReport(); last.Valid() {
			st.LastCSI = last.String()
		}
		if rates != nil {
			st.DLAvgRate = rates.AverageRate(model.Downlink, idx)
			st.ULAvgRate = rates.AverageRate(model.Uplink, idx)
		}
		snap.UEs = append(snap.UEs, st)
	})
	s.dirty = false
	s.snap.Store(snap)
}
