// Package pdcch places downlink control information on PDCCH candidates of
// the configured search spaces without overlapping other control or data
// allocations.
package pdcch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grid"
	"github.com/signalsfoundry/ran-scheduler/model"
)

var (
	// ErrUnknownSearchSpace is returned for search spaces the cell lacks.
	ErrUnknownSearchSpace = errors.New("pdcch: unknown search space")
	// ErrNoCandidates is returned when an aggregation level has no candidates.
	ErrNoCandidates = errors.New("pdcch: aggregation level has no candidates")
)

const hashModulus = 65537

// hashCoefficients are selected by CORESET id modulo 3.
var hashCoefficients = [3]uint32{39827, 39829, 39839}

// Candidate is one placement option for a DCI.
type Candidate struct {
	CoresetID uint8
	Level     model.AggregationLevel
	CCE       uint16
	Symbols   model.SymbolInterval
	RBs       grid.RBSet
}

type candidateKey struct {
	coreset uint8
	level   model.AggregationLevel
	cce     uint16
}

type coresetMap struct {
	cfg    model.CoresetConfig
	nofCCE int
	// cceRBs[j] is the set of absolute RBs occupied by CCE j.
	cceRBs []grid.RBSet
}

// Cache holds the static CCE-to-RB mapping of a cell and memoises candidate
// RB sets per (CORESET, aggregation level, start CCE). Lookups happen on the
// cell goroutine; statistics may be read concurrently.
type Cache struct {
	cell     model.CellConfig
	coresets map[uint8]*coresetMap
	entries  map[candidateKey]grid.RBSet

	hits     atomic.Int64
	misses   atomic.Int64
	invalids atomic.Int64
}

// NewCache derives the CCE layout of every CORESET of cell.
func NewCache(cell model.CellConfig) (*Cache, error) {
	coresets, err := buildCoresets(cell)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cell:     cell,
		coresets: coresets,
		entries:  make(map[candidateKey]grid.RBSet),
	}, nil
}

// Reconfigure switches to the CORESETs and search spaces of a reconfigured
// cell and drops every memoised candidate set. On error the cache is left
// unchanged.
func (c *Cache) Reconfigure(cell model.CellConfig) error {
	coresets, err := buildCoresets(cell)
	if err != nil {
		return err
	}
	c.cell = cell
	c.coresets = coresets
	c.Invalidate()
	return nil
}

func buildCoresets(cell model.CellConfig) (map[uint8]*coresetMap, error) {
	coresets := make(map[uint8]*coresetMap, len(cell.Coresets))
	for _, cs := range cell.Coresets {
		m, err := buildCoresetMap(cs, cell.PCI)
		if err != nil {
			return nil, fmt.Errorf("pdcch: coreset %d: %w", cs.ID, err)
		}
		coresets[cs.ID] = m
	}
	return coresets, nil
}

func buildCoresetMap(cs model.CoresetConfig, pci uint16) (*coresetMap, error) {
	nofCCE := cs.NofCCEs()
	if nofCCE == 0 {
		return nil, errors.New("no CCEs")
	}
	dur := int(cs.Duration)
	nofREGs := int(cs.NofRBs) * dur
	bundleSize := 6
	interleave := func(x int) int { return x }
	if cs.Interleaved {
		bundleSize = int(cs.REGBundleSize)
		r := int(cs.InterleaverSize)
		if bundleSize == 0 || r == 0 || nofREGs%(bundleSize*r) != 0 {
			return nil, fmt.Errorf("interleaver %dx%d incompatible with %d REGs", bundleSize, r, nofREGs)
		}
		nofBundles := nofREGs / bundleSize
		cols := nofREGs / (bundleSize * r)
		shift := int(pci)
		if cs.ShiftIndex != nil {
			shift = int(*cs.ShiftIndex)
		}
		interleave = func(x int) int {
			col, row := x/r, x%r
			return (row*cols + col + shift) % nofBundles
		}
	}
	bundlesPerCCE := 6 / bundleSize
	m := &coresetMap{cfg: cs, nofCCE: nofCCE, cceRBs: make([]grid.RBSet, nofCCE)}
	for j := 0; j < nofCCE; j++ {
		for k := 0; k < bundlesPerCCE; k++ {
			bundle := interleave(j*bundlesPerCCE + k)
			first := bundle * bundleSize / dur
			last := (bundle+1)*bundleSize/dur - 1
			for rb := first; rb <= last; rb++ {
				m.cceRBs[j].Set(cs.RBStart + uint16(rb))
			}
		}
	}
	return m, nil
}

// CCEResourceBlocks returns the RBs of one CCE of a CORESET.
func (c *Cache) CCEResourceBlocks(coreset uint8, cce int) (grid.RBSet, bool) {
	m, ok := c.coresets[coreset]
	if !ok || cce < 0 || cce >= m.nofCCE {
		return grid.RBSet{}, false
	}
	return m.cceRBs[cce], true
}

func (c *Cache) rbs(m *coresetMap, level model.AggregationLevel, start uint16) grid.RBSet {
	key := candidateKey{coreset: m.cfg.ID, level: level, cce: start}
	if set, ok := c.entries[key]; ok {
		c.hits.Add(1)
		return set
	}
	c.misses.Add(1)
	var set grid.RBSet
	for j := int(start); j < int(start)+int(level) && j < m.nofCCE; j++ {
		for w := range set {
			set[w] |= m.cceRBs[j][w]
		}
	}
	c.entries[key] = set
	return set
}

func (c *Cache) lookup(ss uint8, level model.AggregationLevel) (model.SearchSpaceConfig, *coresetMap, int, error) {
	cfg, ok := c.cell.SearchSpace(ss)
	if !ok {
		return cfg, nil, 0, fmt.Errorf("%w: %d", ErrUnknownSearchSpace, ss)
	}
	m, ok := c.coresets[cfg.CoresetID]
	if !ok {
		return cfg, nil, 0, fmt.Errorf("%w: coreset %d", ErrUnknownSearchSpace, cfg.CoresetID)
	}
	idx := level.Index()
	if idx < 0 || cfg.Candidates[idx] == 0 || m.nofCCE < int(level) {
		return cfg, nil, 0, fmt.Errorf("%w: ss %d al %d", ErrNoCandidates, ss, level)
	}
	return cfg, m, int(cfg.Candidates[idx]), nil
}

// startCCE returns the first CCE of candidate m out of nofCandidates.
func startCCE(y uint32, m, nofCandidates, nofCCE int, level model.AggregationLevel) uint16 {
	L := int(level)
	return uint16(L * ((int(y) + m*nofCCE/(L*nofCandidates)) % (nofCCE / L)))
}

// hashY computes the UE-specific search space offset for a slot.
func hashY(rnti model.RNTI, coreset uint8, slotInFrame uint32) uint32 {
	a := hashCoefficients[coreset%3]
	y := uint32(rnti)
	for n := uint32(0); n <= slotInFrame; n++ {
		y = uint32(uint64(a) * uint64(y) % hashModulus)
	}
	return y
}

// Candidates appends the candidates a UE monitors in ss at level during the
// given slot to out.
func (c *Cache) Candidates(ss uint8, level model.AggregationLevel, rnti model.RNTI, slotInFrame uint32, out []Candidate) ([]Candidate, error) {
	cfg, m, nofCand, err := c.lookup(ss, level)
	if err != nil {
		return out, err
	}
	var y uint32
	if cfg.Type == model.SearchSpaceUESpecific {
		y = hashY(rnti, cfg.CoresetID, slotInFrame)
	}
	sym := model.SymbolInterval{Start: 0, Stop: m.cfg.Duration}
	for i := 0; i < nofCand; i++ {
		start := startCCE(y, i, nofCand, m.nofCCE, level)
		out = append(out, Candidate{
			CoresetID: m.cfg.ID,
			Level:     level,
			CCE:       start,
			Symbols:   sym,
			RBs:       c.rbs(m, level, start),
		})
	}
	return out, nil
}

// Invalidate drops memoised candidate sets after a reconfiguration.
func (c *Cache) Invalidate() {
	c.entries = make(map[candidateKey]grid.RBSet)
	c.invalids.Add(1)
}

// Stats returns cache hit, miss and invalidation counts.
func (c *Cache) Stats() (hits, misses, invalids int64) {
	if c == nil {
		return 0, 0, 0
	}
	return c.hits.Load(), c.misses.Load(), c.invalids.Load()
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (c *Cache) HitRatio() float64 {
	h, m, _ := c.Stats()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
