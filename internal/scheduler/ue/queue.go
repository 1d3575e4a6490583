package ue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// ErrQueueFull is returned by Push when the cell has not drained its queue
// fast enough. Producers must not block on the slot loop.
var ErrQueueFull = errors.New("ue: cell input queue full")

// EventKind tags the variant carried by an Event.
type EventKind uint8

const (
	EventCSI EventKind = iota
	EventBSR
	EventDLBuffer
	EventSR
	EventHARQFeedback
	EventAddUE
	EventReconfigureUE
	EventRemoveUE
)

func (k EventKind) String() string {
	switch k {
	case EventCSI:
		return "csi"
	case EventBSR:
		return "bsr"
	case EventDLBuffer:
		return "dl_buffer"
	case EventSR:
		return "sr"
	case EventHARQFeedback:
		return "harq_feedback"
	case EventAddUE:
		return "add_ue"
	case EventReconfigureUE:
		return "reconfigure_ue"
	case EventRemoveUE:
		return "remove_ue"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one upstream input for a cell. Only the fields of its Kind are
// meaningful.
type Event struct {
	Kind EventKind
	UE   model.UEIndex
	// ProcedureID identifies UE management procedures in logs and traces.
	ProcedureID string

	CSI csi.Report

	// Buffer status: Channel is the LCG (BSR) or LCID (DL buffer).
	Channel uint8
	Bytes   uint32
	// HOL is the arrival slot of the oldest SDU, zero when unknown.
	HOL model.SlotPoint

	Dir  model.Direction
	HARQ model.HARQID
	ACK  bool

	Config *model.UEConfig
}

// Queue is a bounded multi-producer, single-consumer event queue.
type Queue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewQueue allocates a queue holding capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Push enqueues ev without blocking.
func (q *Queue) Push(ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	default:
		q.dropped.Add(1)
		return fmt.Errorf("%w: %s for ue %d", ErrQueueFull, ev.Kind, ev.UE)
	}
}

// Drain hands every event queued at call time to fn and returns the count.
// Events pushed while draining wait for the next slot.
func (q *Queue) Drain(fn func(Event)) int {
	n := len(q.ch)
	for i := 0; i < n; i++ {
		fn(<-q.ch)
	}
	return n
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns how many events Push refused.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
