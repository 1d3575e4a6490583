package model

import (
	"errors"
	"fmt"
	"time"
)

// AggregationLevel is the number of CCEs a PDCCH candidate occupies.
type AggregationLevel uint8

// NofAggregationLevels is the count of levels 1, 2, 4, 8 and 16.
const NofAggregationLevels = 5

// AggregationLevels lists supported levels from the smallest.
var AggregationLevels = [NofAggregationLevels]AggregationLevel{1, 2, 4, 8, 16}

// Index returns the position of the level in AggregationLevels, or -1.
func (al AggregationLevel) Index() int {
	for i, l := range AggregationLevels {
		if l == al {
			return i
		}
	}
	return -1
}

// SearchSpaceType selects the hashing used for candidate placement.
type SearchSpaceType uint8

const (
	SearchSpaceCommon SearchSpaceType = iota
	SearchSpaceUESpecific
)

// CoresetConfig describes a control resource set.
type CoresetConfig struct {
	ID       uint8
	RBStart  uint16
	NofRBs   uint16 // multiple of 6
	Duration uint8  // symbols, 1..3

	Interleaved     bool
	REGBundleSize   uint8 // 2, 3 or 6 when interleaved
	InterleaverSize uint8 // 2, 3 or 6 when interleaved
	// ShiftIndex defaults to the cell PCI when nil.
	ShiftIndex *uint16
}

// NofCCEs returns the number of control channel elements in the CORESET.
func (c CoresetConfig) NofCCEs() int {
	return int(c.NofRBs) * int(c.Duration) / 6
}

// SearchSpaceConfig describes where a UE monitors PDCCH candidates.
type SearchSpaceConfig struct {
	ID         uint8
	CoresetID  uint8
	Type       SearchSpaceType
	Candidates [NofAggregationLevels]uint8
}

// TDDPattern is a single-periodicity TDD configuration. Slots after the
// downlink slots and before the uplink slots are guard slots.
type TDDPattern struct {
	PeriodSlots int
	DLSlots     int
	ULSlots     int
}

// CellConfig is the static configuration of one serving cell.
type CellConfig struct {
	Index      CellIndex
	PCI        uint16
	Numerology uint8
	NofRBs     uint16

	// TDD is nil for FDD cells.
	TDD *TDDPattern

	Coresets     []CoresetConfig
	SearchSpaces []SearchSpaceConfig

	PDSCHSymbols SymbolInterval
	PUSCHSymbols SymbolInterval

	// K1 is the PDSCH to HARQ-ACK delay, K2 the UL DCI to PUSCH delay.
	K1 uint8
	K2 uint8

	NofDLPorts uint8

	// MaxPDSCHsPerSlot and MaxPUSCHsPerSlot cap data grants per slot.
	MaxPDSCHsPerSlot int
	MaxPUSCHsPerSlot int
}

// SlotDuration returns the slot length for the cell numerology.
func (c CellConfig) SlotDuration() time.Duration {
	return time.Millisecond >> c.Numerology
}

// IsDLSlot reports whether PDCCH and PDSCH may be sent in the slot.
func (c CellConfig) IsDLSlot(sl SlotPoint) bool {
	if c.TDD == nil {
		return true
	}
	idx := int(sl.Count()) % c.TDD.PeriodSlots
	return idx < c.TDD.DLSlots
}

// IsULSlot reports whether PUSCH may be received in the slot.
func (c CellConfig) IsULSlot(sl SlotPoint) bool {
	if c.TDD == nil {
		return true
	}
	idx := int(sl.Count()) % c.TDD.PeriodSlots
	return idx >= c.TDD.PeriodSlots-c.TDD.ULSlots
}

// Coreset returns the CORESET with the given id.
func (c CellConfig) Coreset(id uint8) (CoresetConfig, bool) {
	for _, cs := range c.Coresets {
		if cs.ID == id {
			return cs, true
		}
	}
	return CoresetConfig{}, false
}

// SearchSpace returns the search space with the given id.
func (c CellConfig) SearchSpace(id uint8) (SearchSpaceConfig, bool) {
	for _, ss := range c.SearchSpaces {
		if ss.ID == id {
			return ss, true
		}
	}
	return SearchSpaceConfig{}, false
}

// Validate checks structural consistency of the cell configuration.
func (c CellConfig) Validate() error {
	var errs []error
	if c.Numerology > MaxNumerology {
		errs = append(errs, fmt.Errorf("numerology %d out of range", c.Numerology))
	}
	if c.NofRBs == 0 || c.NofRBs > MaxNofRBs {
		errs = append(errs, fmt.Errorf("bandwidth %d RBs out of range", c.NofRBs))
	}
	if c.TDD != nil {
		p := c.TDD
		if p.PeriodSlots <= 0 || p.DLSlots < 0 || p.ULSlots < 0 || p.DLSlots+p.ULSlots > p.PeriodSlots {
			errs = append(errs, fmt.Errorf("invalid tdd pattern %+v", *p))
		}
	}
	if !c.PDSCHSymbols.Valid() {
		errs = append(errs, fmt.Errorf("invalid pdsch symbols %s", c.PDSCHSymbols))
	}
	if !c.PUSCHSymbols.Valid() {
		errs = append(errs, fmt.Errorf("invalid pusch symbols %s", c.PUSCHSymbols))
	}
	for _, cs := range c.Coresets {
		if err := validateCoreset(cs, c.NofRBs); err != nil {
			errs = append(errs, fmt.Errorf("coreset %d: %w", cs.ID, err))
		}
		if c.PDSCHSymbols.Start < cs.Duration {
			errs = append(errs, fmt.Errorf("pdsch symbols %s overlap coreset %d", c.PDSCHSymbols, cs.ID))
		}
	}
	if len(c.SearchSpaces) == 0 {
		errs = append(errs, errors.New("no search spaces configured"))
	}
	for _, ss := range c.SearchSpaces {
		if _, ok := c.Coreset(ss.CoresetID); !ok {
			errs = append(errs, fmt.Errorf("search space %d references unknown coreset %d", ss.ID, ss.CoresetID))
		}
	}
	return errors.Join(errs...)
}

func validateCoreset(cs CoresetConfig, cellRBs uint16) error {
	if cs.Duration < 1 || cs.Duration > 3 {
		return fmt.Errorf("duration %d out of range", cs.Duration)
	}
	if cs.NofRBs == 0 || cs.NofRBs%6 != 0 {
		return fmt.Errorf("width %d RBs is not a multiple of 6", cs.NofRBs)
	}
	if int(cs.RBStart)+int(cs.NofRBs) > int(cellRBs) {
		return fmt.Errorf("RBs [%d,%d) exceed carrier", cs.RBStart, int(cs.RBStart)+int(cs.NofRBs))
	}
	if !cs.Interleaved {
		return nil
	}
	L, R := int(cs.REGBundleSize), int(cs.InterleaverSize)
	if L != 2 && L != 3 && L != 6 {
		return fmt.Errorf("reg bundle size %d unsupported", L)
	}
	if R != 2 && R != 3 && R != 6 {
		return fmt.Errorf("interleaver size %d unsupported", R)
	}
	if L%int(cs.Duration) != 0 {
		return fmt.Errorf("reg bundle size %d not a multiple of duration %d", L, cs.Duration)
	}
	nofREGs := int(cs.NofRBs) * int(cs.Duration)
	if nofREGs%(L*R) != 0 {
		return fmt.Errorf("%d REGs not divisible by bundle %d x interleaver %d", nofREGs, L, R)
	}
	return nil
}
