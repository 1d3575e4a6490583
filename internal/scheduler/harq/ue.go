package harq

import (
	"fmt"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// RLFNotifier receives radio link failure reports. Implementations must not
// block: they are called from the cell slot goroutine.
type RLFNotifier interface {
	OnRadioLinkFailure(cell model.CellIndex, ue model.UEIndex, dir model.Direction, consecutiveKOs uint16)
}

// RLFNotifierFunc adapts a function to RLFNotifier.
type RLFNotifierFunc func(cell model.CellIndex, ue model.UEIndex, dir model.Direction, consecutiveKOs uint16)

// OnRadioLinkFailure implements RLFNotifier.
func (f RLFNotifierFunc) OnRadioLinkFailure(cell model.CellIndex, ue model.UEIndex, dir model.Direction, kos uint16) {
	f(cell, ue, dir, kos)
}

// Config sizes the HARQ entities of one UE on one cell.
type Config struct {
	NofDLProcesses      int
	NofULProcesses      int
	MaxDLRetx           uint8
	MaxULRetx           uint8
	AckTimeoutSlots     int
	MaxConsecutiveDLKOs uint16
	MaxConsecutiveULKOs uint16
}

// UE groups the downlink and uplink entities of one UE on one cell and
// counts consecutive failures per direction.
type UE struct {
	cell     model.CellIndex
	ue       model.UEIndex
	entities [2]*Entity
	maxKOs   [2]uint16
	kos      [2]uint16
	rlf      [2]bool
	expired  [2]uint64
	notifier RLFNotifier
}

// NewUE builds the HARQ state of a UE. notifier may be nil.
func NewUE(cell model.CellIndex, ue model.UEIndex, cfg Config, notifier RLFNotifier) (*UE, error) {
	dl, err := NewEntity(model.Downlink, cfg.NofDLProcesses, cfg.MaxDLRetx, cfg.AckTimeoutSlots)
	if err != nil {
		return nil, fmt.Errorf("ue %d: %w", ue, err)
	}
	ul, err := NewEntity(model.Uplink, cfg.NofULProcesses, cfg.MaxULRetx, cfg.AckTimeoutSlots)
	if err != nil {
		return nil, fmt.Errorf("ue %d: %w", ue, err)
	}
	if cfg.MaxConsecutiveDLKOs == 0 || cfg.MaxConsecutiveULKOs == 0 {
		return nil, fmt.Errorf("ue %d: max consecutive KOs must be positive", ue)
	}
	return &UE{
		cell:     cell,
		ue:       ue,
		entities: [2]*Entity{dl, ul},
		maxKOs:   [2]uint16{cfg.MaxConsecutiveDLKOs, cfg.MaxConsecutiveULKOs},
		notifier: notifier,
	}, nil
}

// Entity returns the arena of dir.
func (u *UE) Entity(dir model.Direction) *Entity { return u.entities[dir] }

// ConsecutiveKOs returns the current failure run of dir.
func (u *UE) ConsecutiveKOs(dir model.Direction) uint16 { return u.kos[dir] }

// Expired returns how many transport blocks of dir exhausted their
// retransmissions.
func (u *UE) Expired(dir model.Direction) uint64 { return u.expired[dir] }

// HandleFeedback applies HARQ-ACK (downlink) or CRC (uplink) feedback.
func (u *UE) HandleFeedback(dir model.Direction, id model.HARQID, ack bool) (Outcome, error) {
	o, err := u.entities[dir].Feedback(id, ack)
	if err != nil {
		return o, err
	}
	u.account(dir, o)
	return o, nil
}

// SlotIndication expires ACK timeouts on both directions. fn, when not
// nil, observes every timed-out process.
func (u *UE) SlotIndication(sl model.SlotPoint, fn func(dir model.Direction, p Process, o Outcome)) {
	for d := range u.entities {
		dir := model.Direction(d)
		u.entities[d].SlotIndication(sl, func(p Process, o Outcome) {
			u.account(dir, o)
			if fn != nil {
				fn(dir, p, o)
			}
		})
	}
}

func (u *UE) account(dir model.Direction, o Outcome) {
	switch o {
	case OutcomeAcked:
		u.kos[dir] = 0
		u.rlf[dir] = false
		return
	case OutcomeExpired:
		u.expired[dir]++
	case OutcomeRetx:
	default:
		return
	}
	if u.kos[dir] < ^uint16(0) {
		u.kos[dir]++
	}
	if u.kos[dir] >= u.maxKOs[dir] && !u.rlf[dir] {
		u.rlf[dir] = true
		if u.notifier != nil {
			u.notifier.OnRadioLinkFailure(u.cell, u.ue, dir, u.kos[dir])
		}
	}
}

// RLFDeclared reports whether RLF was raised for dir since the last ACK.
func (u *UE) RLFDeclared(dir model.Direction) bool { return u.rlf[dir] }

// Reset empties both entities and clears failure counters.
func (u *UE) Reset() {
	for d := range u.entities {
		u.entities[d].Reset()
		u.kos[d] = 0
		u.rlf[d] = false
	}
}
