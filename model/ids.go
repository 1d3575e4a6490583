package model

import "fmt"

const (
	// MaxUEs bounds the number of UE contexts per cell.
	MaxUEs = 1024
	// MaxCells bounds the number of cells handled by one scheduler instance.
	MaxCells = 16
	// MaxNofRBs is the widest carrier supported, in resource blocks.
	MaxNofRBs = 275
	// NofSymbolsPerSlot is the number of OFDM symbols in a normal-CP slot.
	NofSymbolsPerSlot = 14
	// MaxHARQProcesses is the size of each per-direction HARQ arena.
	MaxHARQProcesses = 16
	// MaxLCIDs bounds dedicated logical channel identities.
	MaxLCIDs = 32
	// MaxLCGs is the number of uplink logical channel groups.
	MaxLCGs = 8
	// MaxLayers is the highest MIMO rank handled.
	MaxLayers = 4
)

// RNTI is the radio network temporary identifier of a UE in a cell.
type RNTI uint16

// UEIndex is the dense scheduler-internal UE identifier.
type UEIndex uint16

// CellIndex is the dense scheduler-internal cell identifier.
type CellIndex uint8

// LCID identifies a logical channel.
type LCID uint8

// HARQID identifies a HARQ process inside a per-direction arena.
type HARQID uint8

// Direction distinguishes downlink from uplink scheduling.
type Direction uint8

const (
	Downlink Direction = iota
	Uplink
)

func (d Direction) String() string {
	switch d {
	case Downlink:
		return "dl"
	case Uplink:
		return "ul"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// SymbolInterval is a half-open OFDM symbol range [Start, Stop).
type SymbolInterval struct {
	Start uint8
	Stop  uint8
}

// Length returns the number of symbols in the interval.
func (i SymbolInterval) Length() int {
	if i.Stop <= i.Start {
		return 0
	}
	return int(i.Stop - i.Start)
}

// Valid reports whether the interval is non-empty and inside a slot.
func (i SymbolInterval) Valid() bool {
	return i.Start < i.Stop && i.Stop <= NofSymbolsPerSlot
}

// Overlaps reports whether two intervals share at least one symbol.
func (i SymbolInterval) Overlaps(o SymbolInterval) bool {
	return i.Length() > 0 && o.Length() > 0 && i.Start < o.Stop && o.Start < i.Stop
}

func (i SymbolInterval) String() string { return fmt.Sprintf("[%d,%d)", i.Start, i.Stop) }

// RBInterval is a half-open resource block range [Start, Stop).
type RBInterval struct {
	Start uint16
	Stop  uint16
}

// Length returns the number of resource blocks in the interval.
func (i RBInterval) Length() int {
	if i.Stop <= i.Start {
		return 0
	}
	return int(i.Stop - i.Start)
}

// Empty reports whether the interval covers no resource blocks.
func (i RBInterval) Empty() bool { return i.Stop <= i.Start }

// Overlaps reports whether two intervals share at least one resource block.
func (i RBInterval) Overlaps(o RBInterval) bool {
	return !i.Empty() && !o.Empty() && i.Start < o.Stop && o.Start < i.Stop
}

func (i RBInterval) String() string { return fmt.Sprintf("[%d,%d)", i.Start, i.Stop) }

// RBMask is a bitmap over the resource blocks of a carrier. PDCCH candidates
// of an interleaved CORESET are not contiguous, so control grants carry one.
type RBMask [(MaxNofRBs + 63) / 64]uint64

// Test reports whether rb is in the mask.
func (m RBMask) Test(rb uint16) bool {
	return int(rb>>6) < len(m) && m[rb>>6]&(1<<(rb&63)) != 0
}

// SetInterval adds every resource block of iv to the mask.
func (m *RBMask) SetInterval(iv RBInterval) {
	for rb := iv.Start; rb < iv.Stop && rb < MaxNofRBs; rb++ {
		m[rb>>6] |= 1 << (rb & 63)
	}
}

// Count returns the number of resource blocks in the mask.
func (m RBMask) Count() int {
	n := 0
	for rb := uint16(0); rb < MaxNofRBs; rb++ {
		if m.Test(rb) {
			n++
		}
	}
	return n
}

// Intersects reports whether both masks hold a common resource block.
func (m RBMask) Intersects(o RBMask) bool {
	for i := range m {
		if m[i]&o[i] != 0 {
			return true
		}
	}
	return false
}

// Overlaps reports whether iv holds a resource block of the mask.
func (m RBMask) Overlaps(iv RBInterval) bool {
	for rb := iv.Start; rb < iv.Stop; rb++ {
		if m.Test(rb) {
			return true
		}
	}
	return false
}

// Span returns the smallest interval covering the mask.
func (m RBMask) Span() RBInterval {
	var span RBInterval
	first := true
	for rb := uint16(0); rb < MaxNofRBs; rb++ {
		if !m.Test(rb) {
			continue
		}
		if first {
			span.Start = rb
			first = false
		}
		span.Stop = rb + 1
	}
	return span
}

// Runs appends the contiguous intervals of the mask to out in RB order.
func (m RBMask) Runs(out []RBInterval) []RBInterval {
	open := false
	var run RBInterval
	for rb := uint16(0); rb <= MaxNofRBs; rb++ {
		if rb < MaxNofRBs && m.Test(rb) {
			if !open {
				run.Start, open = rb, true
			}
			continue
		}
		if open {
			run.Stop, open = rb, false
			out = append(out, run)
		}
	}
	return out
}
