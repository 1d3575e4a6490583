// Package policy ranks new-transmission candidates of a cell. The policy is
// chosen once when the cell scheduler is built.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// Kind selects a ranking policy.
type Kind uint8

const (
	KindTimeQoS Kind = iota
	KindRoundRobin
)

func (k Kind) String() string {
	switch k {
	case KindTimeQoS:
		return "time_qos"
	case KindRoundRobin:
		return "round_robin"
	default:
		return fmt.Sprintf("policy(%d)", uint8(k))
	}
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "time_qos", "qos", "pf":
		return KindTimeQoS, nil
	case "round_robin", "rr":
		return KindRoundRobin, nil
	default:
		return 0, fmt.Errorf("policy: unknown kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Candidate is a UE eligible for a new transmission in one direction.
type Candidate struct {
	UE model.UEIndex

	// Priority is the best QoS priority among channels with data; lower is
	// more important. HasQoS is false when no channel carries QoS info.
	Priority uint8
	HasQoS   bool
	// HOLDelay is the head-of-line delay of that channel, PDB its budget.
	HOLDelay time.Duration
	PDB      time.Duration
	// GBR is the sum of guaranteed bit rates (bit/s) of channels with data.
	GBR uint64
	// EstimatedBytes is the transport block the UE could fill on the whole
	// carrier at its current link quality.
	EstimatedBytes uint32
	// SR marks an uplink candidate with a pending scheduling request.
	SR bool

	// Score is written by Rank.
	Score float64
}

// Served is one new transmission actually granted in a slot.
type Served struct {
	UE    model.UEIndex
	Bytes uint32
}

// Ranker orders candidates. Implementations keep per-UE history and are used
// only from the owning cell goroutine.
type Ranker interface {
	Kind() Kind
	// Rank scores candidates and sorts them best first. Equal scores are
	// ordered by UE index, so the result is a total order.
	Rank(dir model.Direction, cands []Candidate)
	// SaveNewTx feeds the grants of a slot back into the history.
	SaveNewTx(dir model.Direction, served []Served)
	AddUE(ue model.UEIndex)
	RemoveUE(ue model.UEIndex)
}

// RateReporter is implemented by rankers that keep an average rate per UE.
type RateReporter interface {
	// AverageRate returns the averaged bytes per slot granted to ue, or 0
	// for a UE the ranker does not know.
	AverageRate(dir model.Direction, ue model.UEIndex) float64
}

// Params configures the time-QoS policy.
type Params struct {
	// FairnessCoeff is the exponent of the average rate in the proportional
	// fair metric. 0 ignores history, large values approach max-min fairness.
	FairnessCoeff   float64 `yaml:"fairness_coeff"`
	PriorityEnabled bool    `yaml:"priority_enabled"`
	PDBEnabled      bool    `yaml:"pdb_enabled"`
	GBREnabled      bool    `yaml:"gbr_enabled"`
	// GBRPrioritized lifts UEs below their GBR over the PF metric.
	GBRPrioritized bool `yaml:"gbr_prioritized"`
	// HistoryAlpha is the weight of the current slot in the rate average.
	HistoryAlpha float64 `yaml:"history_alpha"`
	// SlotDuration converts bytes per slot into bit rates for GBR.
	SlotDuration time.Duration `yaml:"-"`
}

// DefaultParams returns the time-QoS defaults.
func DefaultParams() Params {
	return Params{
		FairnessCoeff:   2,
		PriorityEnabled: true,
		PDBEnabled:      true,
		GBREnabled:      true,
		HistoryAlpha:    0.01,
		SlotDuration:    time.Millisecond,
	}
}

// New builds the ranker of kind.
func New(kind Kind, p Params) (Ranker, error) {
	switch kind {
	case KindTimeQoS:
		if p.FairnessCoeff < 0 {
			return nil, fmt.Errorf("policy: fairness coefficient %v is negative", p.FairnessCoeff)
		}
		if p.HistoryAlpha <= 0 || p.HistoryAlpha > 1 {
			return nil, fmt.Errorf("policy: history alpha %v out of (0,1]", p.HistoryAlpha)
		}
		if p.SlotDuration <= 0 {
			p.SlotDuration = time.Millisecond
		}
		return newTimeQoS(p), nil
	case KindRoundRobin:
		return &roundRobin{}, nil
	default:
		return nil, fmt.Errorf("policy: unknown kind %d", kind)
	}
}

func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].UE < cands[j].UE
	})
}

// roundRobin rotates the starting UE after every slot that served someone.
type roundRobin struct {
	next [2]model.UEIndex
}

func (*roundRobin) Kind() Kind { return KindRoundRobin }

func (r *roundRobin) Rank(dir model.Direction, cands []Candidate) {
	for i := range cands {
		dist := (int(cands[i].UE) - int(r.next[dir]) + model.MaxUEs) % model.MaxUEs
		cands[i].Score = float64(model.MaxUEs - dist)
	}
	sortCandidates(cands)
}

func (r *roundRobin) SaveNewTx(dir model.Direction, served []Served) {
	if len(served) == 0 {
		return
	}
	r.next[dir] = (served[len(served)-1].UE + 1) % model.MaxUEs
}

func (*roundRobin) AddUE(model.UEIndex)    {}
func (*roundRobin) RemoveUE(model.UEIndex) {}
