// Package mcs holds the modulation-and-coding tables and the transport block
// size computation shared by link adaptation and resource sizing.
package mcs

import "fmt"

// MaxIndex is the highest MCS index of the 64QAM table.
const MaxIndex uint8 = 28

// MaxCQI is the highest wideband CQI value.
const MaxCQI uint8 = 15

// Description is the modulation order and target code rate of an MCS.
type Description struct {
	Qm uint8
	// RateX1024 is the target code rate multiplied by 1024.
	RateX1024 uint16
}

// CodeRate returns the target code rate as a fraction.
func (d Description) CodeRate() float64 { return float64(d.RateX1024) / 1024 }

// SpectralEfficiency returns bits per resource element per layer.
func (d Description) SpectralEfficiency() float64 { return float64(d.Qm) * d.CodeRate() }

var qam64Table = [MaxIndex + 1]Description{
	{2, 120}, {2, 157}, {2, 193}, {2, 251}, {2, 308}, {2, 379}, {2, 449}, {2, 526}, {2, 602}, {2, 679},
	{4, 340}, {4, 378}, {4, 434}, {4, 490}, {4, 553}, {4, 616}, {4, 658},
	{6, 438}, {6, 466}, {6, 517}, {6, 567}, {6, 616}, {6, 666}, {6, 719}, {6, 772}, {6, 822}, {6, 873}, {6, 910}, {6, 948},
}

// cqiToMCS maps wideband CQI (index) to the 64QAM MCS table. CQI 0 means out
// of range.
var cqiToMCS = [MaxCQI + 1]uint8{0, 0, 0, 2, 4, 6, 8, 11, 13, 15, 18, 20, 22, 24, 26, 28}

// requiredSINR is the SINR in dB needed for 10% BLER per MCS index.
var requiredSINR = [MaxIndex + 1]float64{
	-6.0, -5.0, -4.0, -3.0, -2.0, -1.0, 0.0, 1.0, 2.0, 3.0,
	4.0, 4.7, 5.5, 6.3, 7.1, 8.0, 8.8,
	9.6, 10.4, 11.3, 12.1, 13.0, 13.9, 14.8, 15.7, 16.6, 17.6, 18.6, 19.6,
}

// Describe returns the table entry for an MCS index.
func Describe(idx uint8) (Description, error) {
	if idx > MaxIndex {
		return Description{}, fmt.Errorf("mcs %d out of range", idx)
	}
	return qam64Table[idx], nil
}

// FromCQI maps a wideband CQI to an MCS. ok is false for CQI 0 or values
// outside the table.
func FromCQI(cqi uint8) (idx uint8, ok bool) {
	if cqi == 0 || cqi > MaxCQI {
		return 0, false
	}
	return cqiToMCS[cqi], true
}

// RequiredSINR returns the SINR (dB) at which idx reaches 10% BLER.
func RequiredSINR(idx uint8) float64 {
	if idx > MaxIndex {
		idx = MaxIndex
	}
	return requiredSINR[idx]
}

// CQIToSINR returns the SINR equivalent of a CQI report, consistent with
// FromCQI so that FromSINR(CQIToSINR(c)) == FromCQI(c).
func CQIToSINR(cqi uint8) float64 {
	idx, ok := FromCQI(cqi)
	if !ok {
		return requiredSINR[0] - 1
	}
	return requiredSINR[idx]
}

// FromSINR returns the highest MCS whose required SINR does not exceed
// sinrDB, clamped to [0, MaxIndex].
func FromSINR(sinrDB float64) uint8 {
	var best uint8
	for i := uint8(0); i <= MaxIndex; i++ {
		if requiredSINR[i] > sinrDB {
			break
		}
		best = i
	}
	return best
}
