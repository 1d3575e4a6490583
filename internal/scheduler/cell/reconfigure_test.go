package cell

import (
	"testing"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/model"
)

func narrowCell() model.CellConfig {
	c := testCell()
	c.NofRBs = 24
	c.Coresets[0].NofRBs = 24
	return c
}

func TestReconfigureAppliesAtNextSlot(t *testing.T) {
	h := newHarness(t, testCell(), nil)
	h.addUE(0, 12, 100000)
	first := filter(h.run(0), model.GrantPDSCH)
	if len(first) != 1 || first[0].RBs.Stop <= 24 {
		t.Fatalf("slot 0 PDSCH = %v, want one grant beyond RB 24", first)
	}
	h.push(ue.Event{Kind: ue.EventHARQFeedback, UE: 0, Dir: model.Downlink, HARQ: first[0].HARQ, ACK: false})

	if err := h.s.Reconfigure(narrowCell()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if got := h.s.Cell().NofRBs; got != 52 {
		t.Fatalf("Cell changed before the slot boundary: %d RBs", got)
	}

	res := h.run(1)
	if got := h.s.Cell().NofRBs; got != 24 {
		t.Fatalf("Cell after boundary = %d RBs, want 24", got)
	}
	if got := h.s.Snapshot().NofRBs; got != 24 {
		t.Fatalf("snapshot NofRBs = %d, want 24", got)
	}
	pdsch := filter(res, model.GrantPDSCH)
	if len(pdsch) != 1 {
		t.Fatalf("slot 1 PDSCH = %v, want one", pdsch)
	}
	// The NACKed block was built for 52 RBs and is dropped with the old
	// HARQ state.
	if !pdsch[0].NewTx || pdsch[0].RBs.Stop > 24 {
		t.Fatalf("slot 1 PDSCH = %s, want a new transmission inside 24 RBs", pdsch[0])
	}
	for _, g := range filter(res, model.GrantDLControl) {
		if g.RBs.Stop > 24 {
			t.Fatalf("DCI outside the narrowed coreset: %s", g)
		}
	}
	st, _ := h.s.Snapshot().UE(0)
	if st.DLHARQBusy != 1 {
		t.Fatalf("dl harq busy = %d, want only the new transmission", st.DLHARQBusy)
	}
}

func TestReconfigureRejectsFixedFields(t *testing.T) {
	h := newHarness(t, testCell(), nil)

	other := testCell()
	other.Index = 3
	if err := h.s.Reconfigure(other); err == nil {
		t.Fatalf("Reconfigure accepted another cell index")
	}
	mu := testCell()
	mu.Numerology = 1
	if err := h.s.Reconfigure(mu); err == nil {
		t.Fatalf("Reconfigure accepted a numerology change")
	}
	bad := testCell()
	bad.NofRBs = 0
	if err := h.s.Reconfigure(bad); err == nil {
		t.Fatalf("Reconfigure accepted an empty carrier")
	}
	h.run(0)
	if got := h.s.Cell().NofRBs; got != 52 {
		t.Fatalf("rejected reconfiguration applied: %d RBs", got)
	}
}

func TestReconfigureDropsUEsWithoutSearchSpace(t *testing.T) {
	h := newHarness(t, testCell(), nil)
	h.addUE(0, 12, 100000)
	h.run(0)

	c := testCell()
	c.SearchSpaces[0].ID = 3
	if err := h.s.Reconfigure(c); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if got := filter(h.run(1), model.GrantPDSCH); len(got) != 0 {
		t.Fatalf("ue without a search space scheduled: %v", got)
	}
	if st, ok := h.s.Snapshot().UE(0); ok && st.Active {
		t.Fatalf("ue 0 still active after reconfiguration: %+v", st)
	}
	h.run(2)
	if _, ok := h.s.Snapshot().UE(0); ok {
		t.Fatalf("ue 0 not released by the sweep")
	}
}

func TestReconfigureKeepsSignalledPUSCH(t *testing.T) {
	h := newHarness(t, testCell(), nil)
	h.addUE(3, 12, 0)
	h.push(ue.Event{Kind: ue.EventCSI, UE: 3, CSI: csi.Report{HasPUSCHSINR: true, PUSCHSINR: 20}})
	h.push(ue.Event{Kind: ue.EventBSR, UE: 3, Channel: 1, Bytes: 60})
	if ul := filter(h.run(0), model.GrantULControl); len(ul) != 1 {
		t.Fatalf("slot 0 UL DCIs = %v, want one", ul)
	}

	if err := h.s.Reconfigure(narrowCell()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	for n := uint64(1); n < 4; n++ {
		h.run(n)
	}
	pusch := filter(h.run(4), model.GrantPUSCH)
	if len(pusch) != 1 || pusch[0].UE != 3 || pusch[0].RBs.Stop > 24 {
		t.Fatalf("slot 4 PUSCH = %v, want the grant signalled in slot 0", pusch)
	}
}

func TestSnapshotReportsResourceUse(t *testing.T) {
	h := newHarness(t, testCell(), nil)
	h.addUE(0, 12, 100000)
	h.run(0)

	snap := h.s.Snapshot()
	if snap.NofRBs != 52 {
		t.Fatalf("NofRBs = %d, want 52", snap.NofRBs)
	}
	if snap.DLOccupancy <= 0 || snap.DLOccupancy > 1 {
		t.Fatalf("DLOccupancy = %v, want in (0,1]", snap.DLOccupancy)
	}
	if snap.CCEs != 16 || snap.CCEsUsed < 1 || snap.CCEsUsed > snap.CCEs {
		t.Fatalf("CCE use = %d of %d, want at least one of 16", snap.CCEsUsed, snap.CCEs)
	}
	st, _ := snap.UE(0)
	if st.DLAvgRate <= 0 || st.ULAvgRate != 0 {
		t.Fatalf("average rates dl %v ul %v, want dl only", st.DLAvgRate, st.ULAvgRate)
	}
	if want := model.SlotPointFromCount(0, 0).String(); st.LastCSI != want {
		t.Fatalf("LastCSI = %q, want %q", st.LastCSI, want)
	}
}
