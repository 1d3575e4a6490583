package policy

import (
	"math"

	"github.com/signalsfoundry/ran-scheduler/model"
)

const (
	// maxPFCoeff switches the PF metric to 1/avg where pow() loses precision.
	maxPFCoeff = 10
	// maxMetricWeight caps individual weights so their product stays finite.
	maxMetricWeight = 1.0e12
	// maxPriorityLevel is the largest QoS priority level.
	maxPriorityLevel = 127
)

// timeQoS combines a proportional fair metric with QoS priority, head-of-line
// delay and GBR weights.
type timeQoS struct {
	p Params

	// avg is the exponential average of bytes granted per slot.
	avg     [2][model.MaxUEs]float64
	present [model.MaxUEs]bool
	sample  [model.MaxUEs]float64
}

func newTimeQoS(p Params) *timeQoS { return &timeQoS{p: p} }

func (*timeQoS) Kind() Kind { return KindTimeQoS }

func (q *timeQoS) AddUE(ue model.UEIndex) {
	if int(ue) >= model.MaxUEs {
		return
	}
	q.present[ue] = true
	q.avg[model.Downlink][ue] = 0
	q.avg[model.Uplink][ue] = 0
}

func (q *timeQoS) RemoveUE(ue model.UEIndex) {
	if int(ue) >= model.MaxUEs {
		return
	}
	q.present[ue] = false
}

// AverageRate returns the averaged bytes per slot granted to ue.
func (q *timeQoS) AverageRate(dir model.Direction, ue model.UEIndex) float64 {
	if int(dir) >= len(q.avg) || int(ue) >= model.MaxUEs || !q.present[ue] {
		return 0
	}
	return q.avg[dir][ue]
}

func (q *timeQoS) Rank(dir model.Direction, cands []Candidate) {
	for i := range cands {
		cands[i].Score = q.score(dir, &cands[i])
	}
	sortCandidates(cands)
}

func (q *timeQoS) score(dir model.Direction, c *Candidate) float64 {
	avg := q.avg[dir][c.UE]
	if avg == 0 || (dir == model.Uplink && c.SR) {
		// never served, or an uplink SR: schedule as soon as possible
		return math.MaxFloat64
	}

	prio, delay, gbr := 1.0, 1.0, 1.0
	if q.p.PriorityEnabled && c.HasQoS {
		prio = float64(maxPriorityLevel+1-int(min(c.Priority, maxPriorityLevel))) / float64(maxPriorityLevel+1)
	}
	if q.p.PDBEnabled && c.PDB > 0 && c.HOLDelay > 0 {
		delay = float64(c.HOLDelay) / float64(c.PDB)
	}
	if q.p.GBREnabled && c.GBR > 0 {
		rate := avg * 8 / q.p.SlotDuration.Seconds()
		gbr = math.Min(float64(c.GBR)/rate, maxMetricWeight)
	}

	pf := pfMetric(float64(c.EstimatedBytes), avg, q.p.FairnessCoeff)
	if q.p.GBRPrioritized && gbr > 1 {
		pf = math.Max(1, pf)
	}
	return gbr * pf * prio * delay
}

func pfMetric(estim, avg, coeff float64) float64 {
	switch {
	case estim <= 0:
		return 0
	case avg == 0:
		return maxMetricWeight
	case coeff >= maxPFCoeff:
		return 1 / avg
	default:
		return estim / math.Pow(avg, coeff)
	}
}

// SaveNewTx updates the rate averages of every UE. Slots without grants are
// skipped so idle periods do not reset the history.
func (q *timeQoS) SaveNewTx(dir model.Direction, served []Served) {
	if len(served) == 0 {
		return
	}
	for _, s := range served {
		if int(s.UE) < model.MaxUEs {
			q.sample[s.UE] += float64(s.Bytes)
		}
	}
	a := q.p.HistoryAlpha
	avg := &q.avg[dir]
	for ue := range avg {
		if !q.present[ue] {
			q.sample[ue] = 0
			continue
		}
		avg[ue] = (1-a)*avg[ue] + a*q.sample[ue]
		q.sample[ue] = 0
	}
}
