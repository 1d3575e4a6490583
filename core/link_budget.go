package core

import (
	"math"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/mcs"
	"github.com/signalsfoundry/ran-scheduler/model"
)

const (
	thermalNoiseDBmPerHz = -174.0
	subcarrierSpacingHz  = 15e3
	subcarriersPerRB     = 12
	minDistanceM         = 1.0

	// blerSlope is the steepness (1/dB) of the BLER waterfall around the
	// 10% operating point of each MCS.
	blerSlope = 1.5
)

// LinkBudget evaluates a log-distance path loss model anchored to free
// space at one metre.
type LinkBudget struct {
	CarrierGHz       float64
	PathLossExponent float64
}

// PathLossDB returns the path loss at distanceM metres. Distances under a
// metre are clamped.
func (lb LinkBudget) PathLossDB(distanceM float64) float64 {
	if distanceM < minDistanceM {
		distanceM = minDistanceM
	}
	f := lb.CarrierGHz
	if f <= 0 {
		f = 3.5
	}
	n := lb.PathLossExponent
	if n <= 0 {
		n = 2
	}
	// 92.45 dB is free space at 1 km and 1 GHz; 32.45 dB at 1 m.
	return 32.45 + 20*math.Log10(f) + 10*n*math.Log10(distanceM)
}

// SINRdB estimates the SINR of a transmission from tx to rx over
// bandwidthHz. Interference is folded into the noise figure. shadowingDB
// is an extra loss, possibly negative.
func (lb LinkBudget) SINRdB(tx, rx *TransceiverModel, distanceM, shadowingDB, bandwidthHz float64) float64 {
	pr := tx.TxPowerDBm + tx.AntennaGainDBi + rx.AntennaGainDBi - lb.PathLossDB(distanceM) - shadowingDB
	return pr - NoiseFloorDBm(bandwidthHz, averageNoiseFigure(tx, rx))
}

// NoiseFloorDBm returns the thermal noise power over bandwidthHz raised by
// noiseFigureDB.
func NoiseFloorDBm(bandwidthHz, noiseFigureDB float64) float64 {
	return thermalNoiseDBmPerHz + 10*math.Log10(bandwidthHz) + noiseFigureDB
}

// CellBandwidthHz returns the occupied bandwidth of a cell carrier.
func CellBandwidthHz(c model.CellConfig) float64 {
	scs := subcarrierSpacingHz * float64(uint(1)<<c.Numerology)
	return float64(c.NofRBs) * subcarriersPerRB * scs
}

// CQIFromSINR returns the highest wideband CQI whose MCS operates at or
// below sinrDB, 0 when out of range.
func CQIFromSINR(sinrDB float64) uint8 {
	var cqi uint8
	for c := uint8(1); c <= mcs.MaxCQI; c++ {
		if mcs.CQIToSINR(c) <= sinrDB {
			cqi = c
		}
	}
	return cqi
}

// BLER returns the block error probability of an MCS at sinrDB when
// spread over layers. Each doubling of layers costs 3 dB.
func BLER(sinrDB float64, idx uint8, layers uint8) float64 {
	if layers == 0 {
		layers = 1
	}
	req := mcs.RequiredSINR(idx) + 10*math.Log10(float64(layers))
	return 1 / (1 + 9*math.Exp(blerSlope*(sinrDB-req)))
}
