package mcs

import (
	"math"
	"sort"
)

const (
	maxREsPerPRB  = 156
	smallTBSLimit = 3824
)

var smallTBSTable = [...]uint32{
	24, 32, 40, 48, 56, 64, 72, 80, 88, 96, 104, 112, 120, 128, 136, 144, 152, 160, 168, 176, 184, 192,
	208, 224, 240, 256, 272, 288, 304, 320, 336, 352, 368, 384,
	408, 432, 456, 480, 504, 528, 552, 576, 608, 640, 672, 704, 736, 768, 808, 848, 888, 928,
	984, 1032, 1064, 1128, 1160, 1192, 1224, 1256, 1288, 1320, 1352,
	1416, 1480, 1544, 1608, 1672, 1736, 1800, 1864, 1928,
	2024, 2088, 2152, 2216, 2280, 2408, 2472, 2536, 2600, 2664, 2728, 2792, 2856,
	2976, 3104, 3240, 3368, 3496, 3624, 3752, 3824,
}

// TBSParams describes one shared channel allocation.
type TBSParams struct {
	MCS        uint8
	NofPRBs    int
	NofSymbols int
	// DMRSPerPRB is the number of DM-RS resource elements per PRB.
	DMRSPerPRB int
	// OverheadPerPRB is the configured xOverhead.
	OverheadPerPRB int
	Layers         uint8
}

// TBSBits computes the transport block size in bits following the
// quantisation procedure for PDSCH/PUSCH. It returns 0 when the allocation
// carries no resource elements.
func TBSBits(p TBSParams) uint32 {
	desc, err := Describe(p.MCS)
	if err != nil || p.NofPRBs <= 0 || p.Layers == 0 {
		return 0
	}
	rePerPRB := 12*p.NofSymbols - p.DMRSPerPRB - p.OverheadPerPRB
	if rePerPRB <= 0 {
		return 0
	}
	if rePerPRB > maxREsPerPRB {
		rePerPRB = maxREsPerPRB
	}
	nRE := float64(rePerPRB * p.NofPRBs)
	rate := desc.CodeRate()
	nInfo := nRE * rate * float64(desc.Qm) * float64(p.Layers)
	if nInfo <= 0 {
		return 0
	}

	if nInfo <= smallTBSLimit {
		n := int(math.Floor(math.Log2(nInfo))) - 6
		if n < 3 {
			n = 3
		}
		step := math.Exp2(float64(n))
		quant := math.Max(24, step*math.Floor(nInfo/step))
		i := sort.Search(len(smallTBSTable), func(i int) bool { return float64(smallTBSTable[i]) >= quant })
		if i == len(smallTBSTable) {
			return smallTBSTable[len(smallTBSTable)-1]
		}
		return smallTBSTable[i]
	}

	n := int(math.Floor(math.Log2(nInfo-24))) - 5
	step := math.Exp2(float64(n))
	quant := math.Max(3840, step*math.Round((nInfo-24)/step))
	var c float64
	switch {
	case rate <= 0.25:
		c = math.Ceil((quant + 24) / 3816)
	case quant > 8424:
		c = math.Ceil((quant + 24) / 8424)
	default:
		c = 1
	}
	return uint32(8*c*math.Ceil((quant+24)/(8*c)) - 24)
}

// TBSBytes is TBSBits rounded down to whole bytes.
func TBSBytes(p TBSParams) uint32 { return TBSBits(p) / 8 }

// PRBsForBytes returns the smallest PRB count, up to maxPRBs, whose TBS
// carries at least bytes. When even maxPRBs is too small it returns maxPRBs.
func PRBsForBytes(bytes uint32, p TBSParams, maxPRBs int) int {
	if maxPRBs <= 0 {
		return 0
	}
	n := sort.Search(maxPRBs, func(i int) bool {
		q := p
		q.NofPRBs = i + 1
		return TBSBytes(q) >= bytes
	})
	if n == maxPRBs {
		return maxPRBs
	}
	return n + 1
}
