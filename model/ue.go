package model

import (
	"errors"
	"fmt"
	"time"
)

// LogicalChannelConfig carries the QoS attributes the policy uses.
type LogicalChannelConfig struct {
	LCID LCID
	LCG  uint8
	// Priority follows the QoS priority level: lower is more important.
	Priority uint8
	// PacketDelayBudget bounds head-of-line delay; zero disables the delay weight.
	PacketDelayBudget time.Duration
	// GBR is the guaranteed bit rate in bits per second; zero for non-GBR.
	GBR uint64
}

// UEConfig is the per-UE configuration delivered by the management layer.
type UEConfig struct {
	Index UEIndex
	RNTI  RNTI
	// Cells lists serving cells; the first entry is the primary cell.
	Cells []CellIndex

	MaxDLLayers uint8
	MaxULLayers uint8

	NofDLHARQs uint8
	NofULHARQs uint8
	MaxDLRetx  uint8
	MaxULRetx  uint8

	MaxConsecutiveDLKOs uint16
	MaxConsecutiveULKOs uint16

	// SearchSpace is the UE-specific search space used for dedicated DCIs.
	SearchSpace uint8

	LogicalChannels []LogicalChannelConfig
}

// PCell returns the primary serving cell.
func (u UEConfig) PCell() CellIndex {
	if len(u.Cells) == 0 {
		return 0
	}
	return u.Cells[0]
}

// Serves reports whether the UE is configured on the cell.
func (u UEConfig) Serves(cell CellIndex) bool {
	for _, c := range u.Cells {
		if c == cell {
			return true
		}
	}
	return false
}

// LogicalChannel returns the configuration of lcid.
func (u UEConfig) LogicalChannel(lcid LCID) (LogicalChannelConfig, bool) {
	for _, lc := range u.LogicalChannels {
		if lc.LCID == lcid {
			return lc, true
		}
	}
	return LogicalChannelConfig{}, false
}

// Validate checks the UE configuration against fixed capacities.
func (u UEConfig) Validate() error {
	var errs []error
	if int(u.Index) >= MaxUEs {
		errs = append(errs, fmt.Errorf("ue index %d exceeds %d", u.Index, MaxUEs))
	}
	if u.RNTI == 0 {
		errs = append(errs, errors.New("rnti must be non-zero"))
	}
	if len(u.Cells) == 0 {
		errs = append(errs, errors.New("no serving cells"))
	}
	if u.MaxDLLayers == 0 || u.MaxDLLayers > MaxLayers || u.MaxULLayers == 0 || u.MaxULLayers > MaxLayers {
		errs = append(errs, fmt.Errorf("layers dl=%d ul=%d out of range", u.MaxDLLayers, u.MaxULLayers))
	}
	if u.NofDLHARQs == 0 || u.NofDLHARQs > MaxHARQProcesses || u.NofULHARQs == 0 || u.NofULHARQs > MaxHARQProcesses {
		errs = append(errs, fmt.Errorf("harq processes dl=%d ul=%d out of range", u.NofDLHARQs, u.NofULHARQs))
	}
	if u.MaxConsecutiveDLKOs == 0 || u.MaxConsecutiveULKOs == 0 {
		errs = append(errs, errors.New("max consecutive KOs must be positive"))
	}
	seen := make(map[LCID]bool, len(u.LogicalChannels))
	for _, lc := range u.LogicalChannels {
		if int(lc.LCID) >= MaxLCIDs {
			errs = append(errs, fmt.Errorf("lcid %d exceeds %d", lc.LCID, MaxLCIDs))
		}
		if int(lc.LCG) >= MaxLCGs {
			errs = append(errs, fmt.Errorf("lcid %d: lcg %d exceeds %d", lc.LCID, lc.LCG, MaxLCGs))
		}
		if seen[lc.LCID] {
			errs = append(errs, fmt.Errorf("duplicate lcid %d", lc.LCID))
		}
		seen[lc.LCID] = true
	}
	return errors.Join(errs...)
}
