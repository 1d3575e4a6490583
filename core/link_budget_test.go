package core

import (
	"math"
	"testing"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/mcs"
	"github.com/signalsfoundry/ran-scheduler/model"
)

func TestPathLossMatchesFreeSpaceAtOneKilometre(t *testing.T) {
	lb := LinkBudget{CarrierGHz: 2, PathLossExponent: 2}
	want := 92.45 + 20*math.Log10(2)
	if got := lb.PathLossDB(1000); math.Abs(got-want) > 1e-9 {
		t.Fatalf("PathLossDB(1km) = %v, want %v", got, want)
	}
}

func TestPathLossIncreasesWithDistanceAndExponent(t *testing.T) {
	lb := LinkBudget{CarrierGHz: 3.5, PathLossExponent: 3.5}
	prev := lb.PathLossDB(1)
	for _, d := range []float64{10, 100, 500, 2000} {
		pl := lb.PathLossDB(d)
		if pl <= prev {
			t.Fatalf("PathLossDB(%v) = %v, not above %v", d, pl, prev)
		}
		prev = pl
	}
	if lb.PathLossDB(0.1) != lb.PathLossDB(1) {
		t.Fatalf("distances below a metre should be clamped")
	}
	free := LinkBudget{CarrierGHz: 3.5, PathLossExponent: 2}
	if free.PathLossDB(500) >= lb.PathLossDB(500) {
		t.Fatalf("higher exponent should lose more")
	}
}

func TestNoiseFloor(t *testing.T) {
	got := NoiseFloorDBm(1e6, 0)
	if math.Abs(got-(-114)) > 1e-9 {
		t.Fatalf("NoiseFloorDBm(1MHz) = %v, want -114", got)
	}
	if d := NoiseFloorDBm(1e6, 7) - got; math.Abs(d-7) > 1e-9 {
		t.Fatalf("noise figure should add %v dB, added %v", 7, d)
	}
}

func TestCellBandwidth(t *testing.T) {
	c := model.CellConfig{NofRBs: 52, Numerology: 1}
	if got := CellBandwidthHz(c); got != 52*12*30e3 {
		t.Fatalf("CellBandwidthHz = %v", got)
	}
}

func TestSINRDecreasesWithDistance(t *testing.T) {
	lb := LinkBudget{CarrierGHz: 3.5, PathLossExponent: 3}
	site := &TransceiverModel{TxPowerDBm: 43, AntennaGainDBi: 15, NoiseFigureDB: nf(5)}
	ue := &TransceiverModel{TxPowerDBm: 23}
	bw := 20e6
	near := lb.SINRdB(site, ue, 50, 0, bw)
	far := lb.SINRdB(site, ue, 800, 0, bw)
	if near <= far {
		t.Fatalf("near SINR %v should exceed far SINR %v", near, far)
	}
	if shadowed := lb.SINRdB(site, ue, 50, 6, bw); math.Abs(near-shadowed-6) > 1e-9 {
		t.Fatalf("6 dB shadowing changed SINR by %v", near-shadowed)
	}
}

func TestCQIFromSINR(t *testing.T) {
	if got := CQIFromSINR(-100); got != 0 {
		t.Fatalf("CQIFromSINR(-100) = %d, want 0", got)
	}
	if got := CQIFromSINR(100); got != mcs.MaxCQI {
		t.Fatalf("CQIFromSINR(100) = %d, want %d", got, mcs.MaxCQI)
	}
	for c := uint8(2); c <= mcs.MaxCQI; c++ {
		if got := CQIFromSINR(mcs.CQIToSINR(c)); got != c {
			t.Fatalf("CQIFromSINR(CQIToSINR(%d)) = %d", c, got)
		}
	}
}

func TestBLER(t *testing.T) {
	for _, idx := range []uint8{0, 10, 28} {
		if got := BLER(mcs.RequiredSINR(idx), idx, 1); math.Abs(got-0.1) > 1e-9 {
			t.Fatalf("BLER at the operating point of mcs %d = %v, want 0.1", idx, got)
		}
	}
	if BLER(30, 10, 1) > 1e-6 {
		t.Fatalf("BLER well above the operating point should vanish")
	}
	if BLER(-20, 10, 1) < 0.999 {
		t.Fatalf("BLER well below the operating point should approach 1")
	}
	if BLER(10, 10, 2) <= BLER(10, 10, 1) {
		t.Fatalf("two layers should raise the BLER")
	}
}
