package harq

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/ran-scheduler/model"
)

type rlfRecorder struct {
	calls []rlfCall
}

type rlfCall struct {
	cell model.CellIndex
	ue   model.UEIndex
	dir  model.Direction
	kos  uint16
}

func (r *rlfRecorder) OnRadioLinkFailure(cell model.CellIndex, ue model.UEIndex, dir model.Direction, kos uint16) {
	r.calls = append(r.calls, rlfCall{cell: cell, ue: ue, dir: dir, kos: kos})
}

func sl(n int) model.SlotPoint { return model.SlotPointFromCount(1, uint64(n)) }

func testConfig() Config {
	return Config{
		NofDLProcesses:      8,
		NofULProcesses:      8,
		MaxDLRetx:           3,
		MaxULRetx:           3,
		AckTimeoutSlots:     10,
		MaxConsecutiveDLKOs: 4,
		MaxConsecutiveULKOs: 4,
	}
}

func newUE(t *testing.T, rec *rlfRecorder) *UE {
	t.Helper()
	u, err := NewUE(0, 7, testConfig(), rec)
	if err != nil {
		t.Fatalf("NewUE: %v", err)
	}
	return u
}

func TestNACKExhaustionExpiresAndRaisesRLF(t *testing.T) {
	rec := &rlfRecorder{}
	u := newUE(t, rec)
	dl := u.Entity(model.Downlink)

	// occupy 0..2 so the transmission lands on process 3
	for i := 0; i < 3; i++ {
		id, _ := dl.FindEmpty()
		dl.NewTx(id, sl(0), sl(4), TxParams{TBS: 100})
	}
	id, ok := dl.FindEmpty()
	if !ok || id != 3 {
		t.Fatalf("FindEmpty = %d,%v, want 3,true", id, ok)
	}
	dl.NewTx(id, sl(1), sl(5), TxParams{TBS: 1200, MCS: 10})

	var outcomes []Outcome
	for i := 0; i < 4; i++ {
		o, err := u.HandleFeedback(model.Downlink, id, false)
		if err != nil {
			t.Fatalf("NACK %d: %v", i+1, err)
		}
		outcomes = append(outcomes, o)
		if o == OutcomeRetx {
			h := dl.Retx(id, sl(10+i*8), sl(14+i*8))
			if h.TBS != 1200 {
				t.Fatalf("retx TBS = %d, want 1200", h.TBS)
			}
		}
	}

	want := []Outcome{OutcomeRetx, OutcomeRetx, OutcomeRetx, OutcomeExpired}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", outcomes, want)
		}
	}
	p, _ := dl.Process(id)
	if p.State != StateEmpty {
		t.Fatalf("process state = %s, want empty", p.State)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("RLF notifications = %d, want 1", len(rec.calls))
	}
	if c := rec.calls[0]; c.ue != 7 || c.cell != 0 || c.dir != model.Downlink || c.kos != 4 {
		t.Fatalf("RLF call = %+v, want ue 7 cell 0 dl kos 4", c)
	}
	if u.Expired(model.Downlink) != 1 {
		t.Fatalf("Expired = %d, want 1", u.Expired(model.Downlink))
	}
}

func TestACKResetsConsecutiveKOs(t *testing.T) {
	rec := &rlfRecorder{}
	u := newUE(t, rec)
	ul := u.Entity(model.Uplink)

	id, _ := ul.FindEmpty()
	ul.NewTx(id, sl(0), sl(0), TxParams{TBS: 50})
	if _, err := u.HandleFeedback(model.Uplink, id, false); err != nil {
		t.Fatalf("NACK: %v", err)
	}
	ul.Retx(id, sl(8), sl(8))
	if _, err := u.HandleFeedback(model.Uplink, id, true); err != nil {
		t.Fatalf("ACK: %v", err)
	}
	if got := u.ConsecutiveKOs(model.Uplink); got != 0 {
		t.Fatalf("ConsecutiveKOs = %d, want 0", got)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("unexpected RLF: %+v", rec.calls)
	}
}

func TestDoubleBookingPanics(t *testing.T) {
	e, err := NewEntity(model.Downlink, 4, 2, 8)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	e.NewTx(0, sl(0), sl(4), TxParams{TBS: 10})
	defer func() {
		if _, ok := recover().(*model.InvariantError); !ok {
			t.Fatalf("expected invariant panic on double booking")
		}
	}()
	e.NewTx(0, sl(1), sl(5), TxParams{TBS: 10})
}

func TestAckTimeoutCountsAsNACK(t *testing.T) {
	rec := &rlfRecorder{}
	u := newUE(t, rec)
	dl := u.Entity(model.Downlink)
	dl.NewTx(0, sl(0), sl(4), TxParams{TBS: 10})

	var seen []Outcome
	observe := func(dir model.Direction, p Process, o Outcome) { seen = append(seen, o) }
	u.SlotIndication(sl(9), observe)
	if len(seen) != 0 {
		t.Fatalf("timeout fired before deadline: %v", seen)
	}
	u.SlotIndication(sl(10), observe)
	if len(seen) != 1 || seen[0] != OutcomeRetx {
		t.Fatalf("outcomes = %v, want [retx]", seen)
	}
	if got := u.ConsecutiveKOs(model.Downlink); got != 1 {
		t.Fatalf("ConsecutiveKOs = %d, want 1", got)
	}
	// late feedback for a resolved process is rejected
	if _, err := u.HandleFeedback(model.Downlink, 0, true); !errors.Is(err, ErrUnexpectedFeedback) {
		t.Fatalf("late feedback error = %v, want ErrUnexpectedFeedback", err)
	}
}

func TestSingleWaitingACKPerProcess(t *testing.T) {
	e, _ := NewEntity(model.Downlink, 2, 1, 8)
	id0, _ := e.FindEmpty()
	e.NewTx(id0, sl(0), sl(4), TxParams{})
	id1, ok := e.FindEmpty()
	if !ok || id1 == id0 {
		t.Fatalf("FindEmpty returned busy process %d", id1)
	}
	e.NewTx(id1, sl(0), sl(4), TxParams{})
	if _, ok := e.FindEmpty(); ok {
		t.Fatalf("FindEmpty on full pool should report no capacity")
	}
	if e.Busy() != 2 {
		t.Fatalf("Busy = %d, want 2", e.Busy())
	}
}

func TestPendingRetxOrderAndCancel(t *testing.T) {
	e, _ := NewEntity(model.Downlink, 4, 4, 8)
	e.NewTx(0, sl(5), sl(9), TxParams{TBS: 1})
	e.NewTx(1, sl(2), sl(6), TxParams{TBS: 2})
	e.NewTx(2, sl(3), sl(7), TxParams{TBS: 3})
	for id := model.HARQID(0); id < 3; id++ {
		if _, err := e.Feedback(id, false); err != nil {
			t.Fatalf("Feedback(%d): %v", id, err)
		}
	}
	pending := e.PendingRetx(nil)
	if len(pending) != 3 || pending[0].ID != 1 || pending[1].ID != 2 || pending[2].ID != 0 {
		t.Fatalf("PendingRetx order wrong: %d %d %d", pending[0].ID, pending[1].ID, pending[2].ID)
	}

	e.Cancel(1)
	if p, _ := e.Process(1); p.State != StateEmpty {
		t.Fatalf("cancelled process state = %s, want empty", p.State)
	}
	if got := len(e.PendingRetx(nil)); got != 2 {
		t.Fatalf("pending after cancel = %d, want 2", got)
	}
}

func TestNDIToggles(t *testing.T) {
	e, _ := NewEntity(model.Uplink, 1, 0, 8)
	h := e.NewTx(0, sl(0), sl(0), TxParams{})
	first := h.NDI
	if _, err := e.Feedback(0, true); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	h = e.NewTx(0, sl(1), sl(1), TxParams{})
	if h.NDI == first {
		t.Fatalf("NDI did not toggle between new transmissions")
	}
}

func TestRestoreUndoesUnsentTransmissions(t *testing.T) {
	e, _ := NewEntity(model.Downlink, 2, 2, 8)
	before, _ := e.Process(0)
	e.NewTx(0, sl(4), sl(8), TxParams{TBS: 300, Shares: []Share{{ID: 4, Bytes: 290}}})
	e.Restore(before)
	if p, _ := e.Process(0); p.State != StateEmpty || p.NDI != before.NDI || len(p.Shares()) != 0 {
		t.Fatalf("restored process = %+v, want the empty original", p)
	}
	if e.Busy() != 0 {
		t.Fatalf("Busy = %d after restore", e.Busy())
	}

	e.NewTx(1, sl(0), sl(4), TxParams{TBS: 100})
	if _, err := e.Feedback(1, false); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	pending, _ := e.Process(1)
	e.Retx(1, sl(5), sl(9))
	e.Restore(pending)
	p, _ := e.Process(1)
	if p.State != StatePendingRetx || p.Retx != 0 || p.TxSlot != sl(0) {
		t.Fatalf("restored retx = %+v, want pending retx from slot 0", p)
	}
}
