package model

import "fmt"

const (
	// NofSFNs is the number of system frame numbers before the counter wraps.
	NofSFNs = 1024
	// NofSubframesPerFrame is the number of 1 ms subframes in a radio frame.
	NofSubframesPerFrame = 10
	// MaxNumerology is the highest supported subcarrier spacing index (240 kHz).
	MaxNumerology = 4
)

// SlotPoint identifies a slot within the SFN cycle for a given numerology.
// The zero value is invalid; use NewSlotPoint.
type SlotPoint struct {
	numerology uint8
	count      uint32
	valid      bool
}

// NewSlotPoint builds a slot point from SFN and slot-in-frame.
func NewSlotPoint(numerology uint8, sfn uint32, slot uint32) SlotPoint {
	if numerology > MaxNumerology {
		Invariantf("slot_point", "numerology %d out of range", numerology)
	}
	perFrame := SlotsPerFrame(numerology)
	count := (sfn%NofSFNs)*perFrame + slot%perFrame
	return SlotPoint{numerology: numerology, count: count, valid: true}
}

// SlotPointFromCount builds a slot point from an absolute slot counter. The
// counter is reduced modulo the SFN cycle.
func SlotPointFromCount(numerology uint8, count uint64) SlotPoint {
	if numerology > MaxNumerology {
		Invariantf("slot_point", "numerology %d out of range", numerology)
	}
	period := uint64(SlotsPerFrame(numerology)) * NofSFNs
	return SlotPoint{numerology: numerology, count: uint32(count % period), valid: true}
}

// SlotsPerFrame returns the number of slots in a 10 ms frame.
func SlotsPerFrame(numerology uint8) uint32 {
	return NofSubframesPerFrame << numerology
}

// Valid reports whether the slot point was constructed.
func (s SlotPoint) Valid() bool { return s.valid }

// Numerology returns the subcarrier spacing index.
func (s SlotPoint) Numerology() uint8 { return s.numerology }

// Count returns the slot counter within the SFN cycle.
func (s SlotPoint) Count() uint32 { return s.count }

// SFN returns the system frame number.
func (s SlotPoint) SFN() uint32 { return s.count / SlotsPerFrame(s.numerology) }

// SlotInFrame returns the slot index inside the current frame.
func (s SlotPoint) SlotInFrame() uint32 { return s.count % SlotsPerFrame(s.numerology) }

func (s SlotPoint) period() int64 {
	return int64(SlotsPerFrame(s.numerology)) * NofSFNs
}

// Add returns the slot n slots after s (n may be negative).
func (s SlotPoint) Add(n int) SlotPoint {
	p := s.period()
	c := (int64(s.count) + int64(n)) % p
	if c < 0 {
		c += p
	}
	return SlotPoint{numerology: s.numerology, count: uint32(c), valid: s.valid}
}

// Sub returns the signed distance s-o in slots, taking the shortest path
// around the SFN wrap.
func (s SlotPoint) Sub(o SlotPoint) int {
	if s.numerology != o.numerology {
		Invariantf("slot_point", "comparing numerology %d with %d", s.numerology, o.numerology)
	}
	p := s.period()
	d := (int64(s.count) - int64(o.count)) % p
	if d < 0 {
		d += p
	}
	if d >= p/2 {
		d -= p
	}
	return int(d)
}

// Before reports whether s happens strictly before o.
func (s SlotPoint) Before(o SlotPoint) bool { return s.Sub(o) < 0 }

// After reports whether s happens strictly after o.
func (s SlotPoint) After(o SlotPoint) bool { return s.Sub(o) > 0 }

func (s SlotPoint) String() string {
	if !s.valid {
		return "invalid"
	}
	return fmt.Sprintf("%d.%d", s.SFN(), s.SlotInFrame())
}
