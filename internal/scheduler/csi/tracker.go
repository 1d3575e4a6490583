// Package csi keeps the per-UE, per-cell view of channel quality used for
// link adaptation: CQI, rank, precoder and SINR history.
package csi

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/mcs"
	"github.com/signalsfoundry/ran-scheduler/model"
)

var (
	// ErrRankUnsupported rejects a rank indicator above the UE/cell capability.
	ErrRankUnsupported = errors.New("csi: rank exceeds configured layers")
	// ErrPMIUnsupported rejects a precoder report on a single-port cell.
	ErrPMIUnsupported = errors.New("csi: pmi reported with a single downlink port")
	// ErrInvalidReport covers malformed fields.
	ErrInvalidReport = errors.New("csi: invalid report")
)

// LayerPolicy tunes uplink layer selection from per-layer SINR.
type LayerPolicy struct {
	// ThresholdDB selects a layer count outright once every layer exceeds it.
	ThresholdDB float64
	// MaxDiffDB discards layer counts whose per-layer spread is larger.
	MaxDiffDB float64
	// PenaltyDB is the margin a lower layer count must beat.
	PenaltyDB float64
}

// OLLAConfig controls the outer-loop link adaptation offset.
type OLLAConfig struct {
	Enabled     bool
	StepDB      float64
	MaxOffsetDB float64
}

// Config is the static tracker configuration for one UE on one cell.
type Config struct {
	MaxDLLayers uint8
	MaxULLayers uint8
	NofDLPorts  uint8

	InitialCQI    uint8
	InitialULSINR float64
	// SINRAlpha is the EMA weight given to a new SINR sample.
	SINRAlpha float64

	Layers LayerPolicy
	OLLA   OLLAConfig
}

// DefaultConfig returns the tracker defaults for a single-layer UE.
func DefaultConfig() Config {
	return Config{
		MaxDLLayers:   1,
		MaxULLayers:   1,
		NofDLPorts:    1,
		InitialCQI:    3,
		InitialULSINR: 5,
		SINRAlpha:     0.25,
		Layers:        LayerPolicy{ThresholdDB: 18, MaxDiffDB: 6, PenaltyDB: 2},
		OLLA:          OLLAConfig{Enabled: true, StepDB: 0.5, MaxOffsetDB: 10},
	}
}

// Report is one channel-state measurement. Absent fields keep their previous
// value.
type Report struct {
	Slot model.SlotPoint

	HasCQI bool
	CQI    uint8
	// RI is the reported rank; 0 means absent.
	RI     uint8
	HasPMI bool
	PMI    uint16

	HasPUSCHSINR bool
	PUSCHSINR    float64

	// LayerSINR[k-1] holds k per-layer SINR values (dB) for a k-layer uplink
	// transmission. Nil entries are absent.
	LayerSINR [model.MaxLayers][]float64
}

// Tracker merges reports. It is owned by the cell slot goroutine.
type Tracker struct {
	cfg Config

	cqi uint8
	ri  uint8
	pmi uint16

	hasPMI    bool
	puschSINR ema

	layerSINR [model.MaxLayers][model.MaxLayers]ema

	olla [2]float64

	lastReport model.SlotPoint
	rejected   uint64
}

// NewTracker validates cfg and returns a tracker seeded with its initial values.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.MaxDLLayers == 0 || cfg.MaxDLLayers > model.MaxLayers || cfg.MaxULLayers == 0 || cfg.MaxULLayers > model.MaxLayers {
		return nil, fmt.Errorf("csi: layers dl=%d ul=%d out of range", cfg.MaxDLLayers, cfg.MaxULLayers)
	}
	if cfg.SINRAlpha <= 0 || cfg.SINRAlpha > 1 {
		return nil, fmt.Errorf("csi: sinr alpha %v out of (0,1]", cfg.SINRAlpha)
	}
	if cfg.InitialCQI > mcs.MaxCQI {
		return nil, fmt.Errorf("csi: initial cqi %d out of range", cfg.InitialCQI)
	}
	t := &Tracker{cfg: cfg, cqi: cfg.InitialCQI, ri: 1}
	t.puschSINR = ema{alpha: cfg.SINRAlpha}
	t.puschSINR.push(cfg.InitialULSINR)
	for i := range t.layerSINR {
		for j := range t.layerSINR[i] {
			t.layerSINR[i][j] = ema{alpha: cfg.SINRAlpha}
		}
	}
	return t, nil
}

func (t *Tracker) validate(r Report) error {
	if r.HasCQI && r.CQI > mcs.MaxCQI {
		return fmt.Errorf("%w: cqi %d", ErrInvalidReport, r.CQI)
	}
	if r.RI > 0 && (r.RI > t.cfg.MaxDLLayers || (t.cfg.NofDLPorts > 0 && r.RI > t.cfg.NofDLPorts)) {
		return fmt.Errorf("%w: ri %d, max %d", ErrRankUnsupported, r.RI, t.cfg.MaxDLLayers)
	}
	if r.HasPMI && t.cfg.NofDLPorts <= 1 {
		return ErrPMIUnsupported
	}
	if r.HasPUSCHSINR && (math.IsNaN(r.PUSCHSINR) || math.IsInf(r.PUSCHSINR, 0)) {
		return fmt.Errorf("%w: pusch sinr %v", ErrInvalidReport, r.PUSCHSINR)
	}
	for i, layers := range r.LayerSINR {
		if layers == nil {
			continue
		}
		if i+1 > int(t.cfg.MaxULLayers) {
			return fmt.Errorf("%w: %d-layer sinr beyond %d ul layers", ErrRankUnsupported, i+1, t.cfg.MaxULLayers)
		}
		if len(layers) != i+1 {
			return fmt.Errorf("%w: %d-layer sinr has %d values", ErrInvalidReport, i+1, len(layers))
		}
	}
	return nil
}

// UpdateReport merges r. A report with any invalid field is rejected as a
// whole, the previous state is kept and the rejection counter increments.
func (t *Tracker) UpdateReport(r Report) error {
	if err := t.validate(r); err != nil {
		t.rejected++
		return err
	}
	if r.HasCQI {
		t.cqi = r.CQI
	}
	if r.RI > 0 {
		t.ri = r.RI
	}
	if r.HasPMI {
		t.pmi = r.PMI
		t.hasPMI = true
	}
	if r.HasPUSCHSINR {
		t.puschSINR.push(r.PUSCHSINR)
	}
	for i, layers := range r.LayerSINR {
		for j, v := range layers {
			t.layerSINR[i][j].push(v)
		}
	}
	if r.Slot.Valid() {
		t.lastReport = r.Slot
	}
	return nil
}

// Rejected returns the number of reports rejected so far.
func (t *Tracker) Rejected() uint64 { return t.rejected }

// CQI returns the last wideband CQI.
func (t *Tracker) CQI() uint8 { return t.cqi }

// RI returns the last accepted rank indicator.
func (t *Tracker) RI() uint8 { return t.ri }

// PMI returns the last precoder report, if any.
func (t *Tracker) PMI() (uint16, bool) { return t.pmi, t.hasPMI }

// PUSCHSINR returns the averaged uplink SINR in dB.
func (t *Tracker) PUSCHSINR() float64 { return t.puschSINR.value }

// LastReport returns the slot of the last accepted report.
func (t *Tracker) LastReport() model.SlotPoint { return t.lastReport }

// OLLAOffset returns the current link adaptation offset for dir.
func (t *Tracker) OLLAOffset(dir model.Direction) float64 { return t.olla[dir] }

// RecommendedMCS returns the MCS expected to meet targetBLER. ok is false
// when the channel does not support any transmission (CQI 0).
func (t *Tracker) RecommendedMCS(dir model.Direction, targetBLER float64) (uint8, bool) {
	var base float64
	if dir == model.Downlink {
		if t.cqi == 0 {
			return 0, false
		}
		base = mcs.CQIToSINR(t.cqi)
	} else {
		base = t.puschSINR.value
	}
	return mcs.FromSINR(base + t.olla[dir] - blerMargin(targetBLER)), true
}

// RecommendedLayers returns the layer count for the next new transmission.
func (t *Tracker) RecommendedLayers(dir model.Direction) uint8 {
	if dir == model.Downlink {
		return min(t.ri, t.cfg.MaxDLLayers)
	}
	return t.selectULLayers()
}

func (t *Tracker) selectULLayers() uint8 {
	p := t.cfg.Layers
	best := uint8(1)
	bestSINR := math.Inf(-1)
	for n := int(t.cfg.MaxULLayers); n >= 1; n-- {
		row := t.layerSINR[n-1][:n]
		if !row[0].valid {
			continue
		}
		lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
		for _, e := range row {
			lo = math.Min(lo, e.value)
			hi = math.Max(hi, e.value)
			sum += e.value
		}
		if lo > p.ThresholdDB {
			return uint8(n)
		}
		if hi-lo > p.MaxDiffDB {
			continue
		}
		if avg := sum / float64(n); avg > bestSINR {
			bestSINR = avg + p.PenaltyDB
			best = uint8(n)
		}
	}
	return best
}

// HandleHARQFeedback moves the link adaptation offset so that the observed
// error rate converges to targetBLER.
func (t *Tracker) HandleHARQFeedback(dir model.Direction, ack bool, targetBLER float64) {
	o := t.cfg.OLLA
	if !o.Enabled {
		return
	}
	bler := clampBLER(targetBLER)
	if ack {
		t.olla[dir] += o.StepDB * bler / (1 - bler)
	} else {
		t.olla[dir] -= o.StepDB
	}
	t.olla[dir] = math.Max(-o.MaxOffsetDB, math.Min(o.MaxOffsetDB, t.olla[dir]))
}

// blerMargin is the extra SINR needed to move from 10% BLER to bler.
func blerMargin(bler float64) float64 {
	return 3 * math.Log10(0.1/clampBLER(bler))
}

func clampBLER(b float64) float64 {
	return math.Max(1e-5, math.Min(0.5, b))
}

type ema struct {
	alpha float64
	value float64
	valid bool
}

func (e *ema) push(v float64) {
	if !e.valid {
		e.value, e.valid = v, true
		return
	}
	e.value += e.alpha * (v - e.value)
}
