package policy

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/ran-scheduler/model"
)

func order(cands []Candidate) []model.UEIndex {
	out := make([]model.UEIndex, len(cands))
	for i, c := range cands {
		out[i] = c.UE
	}
	return out
}

func equalOrder(got, want []model.UEIndex) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestEqualScoresOrderedByUEIndex(t *testing.T) {
	for _, kind := range []Kind{KindTimeQoS, KindRoundRobin} {
		r, err := New(kind, DefaultParams())
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		cands := []Candidate{{UE: 9}, {UE: 2}, {UE: 5}}
		if kind == KindRoundRobin {
			// give every UE the same rotation distance by scoring directly
			for i := range cands {
				cands[i].Score = 1
			}
			sortCandidates(cands)
		} else {
			r.Rank(model.Downlink, cands)
		}
		if got := order(cands); !equalOrder(got, []model.UEIndex{2, 5, 9}) {
			t.Fatalf("%s order = %v, want [2 5 9]", kind, got)
		}
	}
}

func TestTimeQoSNeverServedFirst(t *testing.T) {
	r, _ := New(KindTimeQoS, DefaultParams())
	r.AddUE(1)
	r.AddUE(2)
	r.SaveNewTx(model.Downlink, []Served{{UE: 1, Bytes: 1000}})

	cands := []Candidate{{UE: 1, EstimatedBytes: 5000}, {UE: 2, EstimatedBytes: 10}}
	r.Rank(model.Downlink, cands)
	if cands[0].UE != 2 || cands[0].Score != math.MaxFloat64 {
		t.Fatalf("unserved UE not first: %+v", cands)
	}
}

func TestTimeQoSFavoursLowHistory(t *testing.T) {
	r, _ := New(KindTimeQoS, DefaultParams())
	r.AddUE(3)
	r.AddUE(4)
	for i := 0; i < 50; i++ {
		r.SaveNewTx(model.Downlink, []Served{{UE: 3, Bytes: 2000}, {UE: 4, Bytes: 200}})
	}
	cands := []Candidate{{UE: 3, EstimatedBytes: 3000}, {UE: 4, EstimatedBytes: 3000}}
	r.Rank(model.Downlink, cands)
	if cands[0].UE != 4 {
		t.Fatalf("order = %v, want UE 4 first", order(cands))
	}

	q, ok := r.(RateReporter)
	if !ok {
		t.Fatalf("time-QoS ranker does not report rates")
	}
	if got := q.AverageRate(model.Downlink, 4); got <= 0 || got >= 200 {
		t.Fatalf("average rate = %v, want in (0,200)", got)
	}
	if q.AverageRate(model.Uplink, 4) != 0 {
		t.Fatalf("uplink history touched by downlink grants")
	}
}

func TestAverageRateOfUnknownUE(t *testing.T) {
	r, _ := New(KindTimeQoS, DefaultParams())
	q := r.(RateReporter)
	r.AddUE(7)
	r.SaveNewTx(model.Uplink, []Served{{UE: 7, Bytes: 900}})
	if q.AverageRate(model.Uplink, 7) <= 0 {
		t.Fatalf("served UE reports no rate")
	}
	r.RemoveUE(7)
	if got := q.AverageRate(model.Uplink, 7); got != 0 {
		t.Fatalf("removed UE rate = %v, want 0", got)
	}
	if got := q.AverageRate(model.Downlink, model.MaxUEs); got != 0 {
		t.Fatalf("out-of-range UE rate = %v, want 0", got)
	}
	if got := q.AverageRate(model.Direction(5), 7); got != 0 {
		t.Fatalf("bad direction rate = %v, want 0", got)
	}
}

func TestTimeQoSWeights(t *testing.T) {
	r, _ := New(KindTimeQoS, DefaultParams())
	for _, ue := range []model.UEIndex{0, 1, 2} {
		r.AddUE(ue)
	}
	r.SaveNewTx(model.Downlink, []Served{{UE: 0, Bytes: 100}, {UE: 1, Bytes: 100}, {UE: 2, Bytes: 100}})

	cands := []Candidate{
		{UE: 0, EstimatedBytes: 1000, HasQoS: true, Priority: 90},
		{UE: 1, EstimatedBytes: 1000, HasQoS: true, Priority: 10},
		{UE: 2, EstimatedBytes: 1000, HasQoS: true, Priority: 90, HOLDelay: 80 * time.Millisecond, PDB: 20 * time.Millisecond},
	}
	r.Rank(model.Downlink, cands)
	if got := order(cands); !equalOrder(got, []model.UEIndex{2, 1, 0}) {
		t.Fatalf("order = %v, want [2 1 0] (delay then priority)", got)
	}
}

func TestTimeQoSUplinkSRFirst(t *testing.T) {
	r, _ := New(KindTimeQoS, DefaultParams())
	r.AddUE(0)
	r.AddUE(1)
	r.SaveNewTx(model.Uplink, []Served{{UE: 0, Bytes: 10}, {UE: 1, Bytes: 10}})
	cands := []Candidate{{UE: 0, EstimatedBytes: 9000}, {UE: 1, EstimatedBytes: 1, SR: true}}
	r.Rank(model.Uplink, cands)
	if cands[0].UE != 1 {
		t.Fatalf("SR candidate not first: %v", order(cands))
	}
}

func TestRoundRobinRotates(t *testing.T) {
	r, _ := New(KindRoundRobin, Params{})
	base := []Candidate{{UE: 0}, {UE: 1}, {UE: 2}, {UE: 3}}

	cands := append([]Candidate(nil), base...)
	r.Rank(model.Downlink, cands)
	if got := order(cands); !equalOrder(got, []model.UEIndex{0, 1, 2, 3}) {
		t.Fatalf("first order = %v", got)
	}
	r.SaveNewTx(model.Downlink, []Served{{UE: 0}, {UE: 1}})

	cands = append([]Candidate(nil), base...)
	r.Rank(model.Downlink, cands)
	if got := order(cands); !equalOrder(got, []model.UEIndex{2, 3, 0, 1}) {
		t.Fatalf("rotated order = %v, want [2 3 0 1]", got)
	}

	// the uplink rotation is independent
	cands = append([]Candidate(nil), base...)
	r.Rank(model.Uplink, cands)
	if cands[0].UE != 0 {
		t.Fatalf("uplink rotation moved: %v", order(cands))
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"": KindTimeQoS, "time_qos": KindTimeQoS, "RR": KindRoundRobin, "round_robin": KindRoundRobin}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("maxcqi"); err == nil {
		t.Fatalf("ParseKind accepted unknown policy")
	}
	var k Kind
	if err := k.UnmarshalText([]byte("round_robin")); err != nil || k != KindRoundRobin {
		t.Fatalf("UnmarshalText = %v,%v", k, err)
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.HistoryAlpha = 0
	if _, err := New(KindTimeQoS, p); err == nil {
		t.Fatalf("New accepted zero history alpha")
	}
}
