// Package harq manages the fixed pools of HARQ processes of each UE and the
// consecutive-failure accounting that detects radio link failure.
package harq

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// ErrUnexpectedFeedback is returned for feedback on a process that is not
// waiting for one (late or duplicated reports).
var ErrUnexpectedFeedback = errors.New("harq: feedback for process not awaiting ack")

// ErrUnknownProcess is returned for ids outside the configured pool.
var ErrUnknownProcess = errors.New("harq: unknown process id")

// State of a HARQ process. Acked and Expired are transient: the process is
// back in Empty once the transition completes.
type State uint8

const (
	StateEmpty State = iota
	StateWaitingACK
	StatePendingRetx
	StateAcked
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWaitingACK:
		return "waiting_ack"
	case StatePendingRetx:
		return "pending_retx"
	case StateAcked:
		return "acked"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Outcome reports what a feedback or timeout did to a process.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeAcked
	OutcomeRetx
	OutcomeExpired
)

// maxShares bounds the logical channels multiplexed in one transport block.
const maxShares = 4

// Share records bytes of one logical channel carried by the transport block.
type Share struct {
	ID    uint8
	Bytes uint32
}

// TxParams describes a new transmission.
type TxParams struct {
	TBS    uint32
	MCS    uint8
	Layers uint8
	NofRBs uint16
	// CQI is the wideband CQI when the transmission was decided.
	CQI    uint8
	Shares []Share
}

// Process is one HARQ process slot in the arena.
type Process struct {
	ID    model.HARQID
	State State

	TBS    uint32
	MCS    uint8
	Layers uint8
	NofRBs uint16
	CQI    uint8
	NDI    bool

	Retx    uint8
	MaxRetx uint8

	NewTxSlot model.SlotPoint
	TxSlot    model.SlotPoint
	// AckSlot is when feedback is expected; Deadline when silence counts as NACK.
	AckSlot  model.SlotPoint
	Deadline model.SlotPoint

	shares    [maxShares]Share
	nofShares int
}

// Shares returns the per-channel bytes carried by the transport block.
func (p *Process) Shares() []Share { return p.shares[:p.nofShares] }
