package harq

import (
	"fmt"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// Entity is the per-direction HARQ arena of one UE on one cell.
type Entity struct {
	dir        model.Direction
	procs      [model.MaxHARQProcesses]Process
	nof        int
	maxRetx    uint8
	ackTimeout int
}

// NewEntity allocates nof processes.
func NewEntity(dir model.Direction, nof int, maxRetx uint8, ackTimeoutSlots int) (*Entity, error) {
	if nof <= 0 || nof > model.MaxHARQProcesses {
		return nil, fmt.Errorf("harq: %d processes out of range", nof)
	}
	if ackTimeoutSlots <= 0 {
		return nil, fmt.Errorf("harq: ack timeout %d must be positive", ackTimeoutSlots)
	}
	e := &Entity{dir: dir, nof: nof, maxRetx: maxRetx, ackTimeout: ackTimeoutSlots}
	for i := range e.procs[:nof] {
		e.procs[i].ID = model.HARQID(i)
		e.procs[i].MaxRetx = maxRetx
	}
	return e, nil
}

// Direction returns the direction served.
func (e *Entity) Direction() model.Direction { return e.dir }

// NofProcesses returns the configured pool size.
func (e *Entity) NofProcesses() int { return e.nof }

// Process returns a copy of process id.
func (e *Entity) Process(id model.HARQID) (Process, error) {
	if int(id) >= e.nof {
		return Process{}, fmt.Errorf("%w: %d", ErrUnknownProcess, id)
	}
	return e.procs[id], nil
}

// FindEmpty returns the lowest empty process id. ok is false when every
// process is busy, which is a capacity condition rather than an error.
func (e *Entity) FindEmpty() (id model.HARQID, ok bool) {
	for i := range e.procs[:e.nof] {
		if e.procs[i].State == StateEmpty {
			return model.HARQID(i), true
		}
	}
	return 0, false
}

// NewTx starts a new transmission on an empty process. Starting a second
// transport block on a busy process is an invariant violation.
func (e *Entity) NewTx(id model.HARQID, txSlot, ackSlot model.SlotPoint, p TxParams) *Process {
	if int(id) >= e.nof {
		model.Invariantf("harq", "%s process %d outside pool of %d", e.dir, id, e.nof)
	}
	h := &e.procs[id]
	if h.State != StateEmpty {
		model.Invariantf("harq", "%s process %d double-booked in state %s", e.dir, id, h.State)
	}
	h.State = StateWaitingACK
	h.TBS, h.MCS, h.Layers, h.NofRBs, h.CQI = p.TBS, p.MCS, p.Layers, p.NofRBs, p.CQI
	h.NDI = !h.NDI
	h.Retx = 0
	h.NewTxSlot = txSlot
	h.TxSlot = txSlot
	h.AckSlot = ackSlot
	h.Deadline = txSlot.Add(e.ackTimeout)
	h.nofShares = copy(h.shares[:], p.Shares)
	return h
}

// Retx schedules a retransmission of a process pending retransmission.
// The transport block size is preserved.
func (e *Entity) Retx(id model.HARQID, txSlot, ackSlot model.SlotPoint) *Process {
	if int(id) >= e.nof {
		model.Invariantf("harq", "%s process %d outside pool of %d", e.dir, id, e.nof)
	}
	h := &e.procs[id]
	if h.State != StatePendingRetx {
		model.Invariantf("harq", "%s process %d retransmitted in state %s", e.dir, id, h.State)
	}
	h.State = StateWaitingACK
	h.Retx++
	h.TxSlot = txSlot
	h.AckSlot = ackSlot
	h.Deadline = txSlot.Add(e.ackTimeout)
	return h
}

// Restore puts back a copy of a process taken before a transmission that
// never went on air, NDI included.
func (e *Entity) Restore(p Process) {
	if int(p.ID) >= e.nof {
		model.Invariantf("harq", "%s process %d outside pool of %d", e.dir, p.ID, e.nof)
	}
	e.procs[p.ID] = p
}

// Feedback applies an ACK or NACK.
func (e *Entity) Feedback(id model.HARQID, ack bool) (Outcome, error) {
	if int(id) >= e.nof {
		return OutcomeNone, fmt.Errorf("%w: %d", ErrUnknownProcess, id)
	}
	h := &e.procs[id]
	if h.State != StateWaitingACK {
		return OutcomeNone, fmt.Errorf("%w: %s process %d in state %s", ErrUnexpectedFeedback, e.dir, id, h.State)
	}
	return e.resolve(h, ack), nil
}

func (e *Entity) resolve(h *Process, ack bool) Outcome {
	if ack {
		h.State = StateAcked
		e.clear(h)
		return OutcomeAcked
	}
	if h.Retx >= h.MaxRetx {
		h.State = StateExpired
		e.clear(h)
		return OutcomeExpired
	}
	h.State = StatePendingRetx
	return OutcomeRetx
}

func (e *Entity) clear(h *Process) {
	ndi := h.NDI
	*h = Process{ID: h.ID, MaxRetx: e.maxRetx, NDI: ndi}
}

// SlotIndication treats processes whose ACK deadline passed as NACKed and
// reports each resolution to fn.
func (e *Entity) SlotIndication(sl model.SlotPoint, fn func(p Process, o Outcome)) {
	for i := range e.procs[:e.nof] {
		h := &e.procs[i]
		if h.State != StateWaitingACK || sl.Before(h.Deadline) {
			continue
		}
		snapshot := *h
		o := e.resolve(h, false)
		if fn != nil {
			fn(snapshot, o)
		}
	}
}

// Cancel drops a pending retransmission without further failure accounting.
func (e *Entity) Cancel(id model.HARQID) {
	if int(id) >= e.nof {
		return
	}
	h := &e.procs[id]
	if h.State != StatePendingRetx {
		return
	}
	h.State = StateExpired
	e.clear(h)
}

// Reset empties every process. Used on administrative UE reset.
func (e *Entity) Reset() {
	for i := range e.procs[:e.nof] {
		e.clear(&e.procs[i])
	}
}

// PendingRetx appends processes awaiting retransmission to out, oldest
// first transmission first.
func (e *Entity) PendingRetx(out []*Process) []*Process {
	start := len(out)
	for i := range e.procs[:e.nof] {
		if e.procs[i].State == StatePendingRetx {
			out = append(out, &e.procs[i])
		}
	}
	pending := out[start:]
	for i := 1; i < len(pending); i++ {
		for j := i; j > 0 && pending[j].NewTxSlot.Before(pending[j-1].NewTxSlot); j-- {
			pending[j], pending[j-1] = pending[j-1], pending[j]
		}
	}
	return out
}

// Busy returns the number of non-empty processes.
func (e *Entity) Busy() int {
	n := 0
	for i := range e.procs[:e.nof] {
		if e.procs[i].State != StateEmpty {
			n++
		}
	}
	return n
}
