package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/ran-scheduler/internal/journal"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/kb"
	"github.com/signalsfoundry/ran-scheduler/model"
)

type fakeCells map[model.CellIndex]*cell.Snapshot

func (f fakeCells) Cells() []model.CellIndex {
	out := make([]model.CellIndex, 0, len(f))
	for idx := range f {
		out = append(out, idx)
	}
	return out
}

func (f fakeCells) Snapshot(idx model.CellIndex) (*cell.Snapshot, bool) {
	s, ok := f[idx]
	return s, ok
}

func (f fakeCells) Snapshots() []*cell.Snapshot {
	out := make([]*cell.Snapshot, 0, len(f))
	for _, s := range f {
		out = append(out, s)
	}
	return out
}

func testCells() fakeCells {
	return fakeCells{
		0: {Cell: 0, Slot: "12.3", Policy: "time_qos", Slots: 123, UEs: []cell.UEStatus{
			{UE: 4, RNTI: 0x4605, Active: true, CQI: 11},
		}},
	}
}

type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

func get(t *testing.T, h http.Handler, path string) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
	}
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	s := New(testCells(), WithVersion("1.2.3"))
	code, env := get(t, s, "/healthz")
	if code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("GET /healthz = %d %+v", code, env)
	}
	if env.RequestID == "" {
		t.Fatalf("response without request id")
	}
	var h healthResponse
	if err := json.Unmarshal(env.Data, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Version != "1.2.3" || h.Cells != 1 {
		t.Fatalf("health = %+v", h)
	}
}

func TestCellEndpoints(t *testing.T) {
	s := New(testCells())

	code, env := get(t, s, "/api/v1/cells")
	if code != http.StatusOK {
		t.Fatalf("GET cells = %d", code)
	}
	var list []cell.Snapshot
	if err := json.Unmarshal(env.Data, &list); err != nil || len(list) != 1 {
		t.Fatalf("cells = %s (%v)", env.Data, err)
	}

	code, env = get(t, s, "/api/v1/cells/0/ues/4")
	if code != http.StatusOK {
		t.Fatalf("GET ue = %d %s", code, env.Error)
	}
	var st cell.UEStatus
	if err := json.Unmarshal(env.Data, &st); err != nil || st.CQI != 11 || st.RNTI != 0x4605 {
		t.Fatalf("ue status = %s (%v)", env.Data, err)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/cells/0", http.StatusOK},
		{"/api/v1/cells/7", http.StatusNotFound},
		{"/api/v1/cells/abc", http.StatusBadRequest},
		{"/api/v1/cells/0/ues/5", http.StatusNotFound},
		{"/api/v1/cells/0/ues/70000", http.StatusBadRequest},
		{"/api/v1/ues", http.StatusNotFound},
	}
	for _, tt := range tests {
		if code, _ := get(t, s, tt.path); code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, code, tt.want)
		}
	}
}

func TestUEConfigEndpoints(t *testing.T) {
	store := kb.NewKnowledgeBase()
	c := model.CellConfig{
		Index:        0,
		NofRBs:       52,
		PDSCHSymbols: model.SymbolInterval{Start: 2, Stop: 14},
		PUSCHSymbols: model.SymbolInterval{Start: 0, Stop: 14},
		Coresets:     []model.CoresetConfig{{ID: 1, NofRBs: 48, Duration: 2}},
		SearchSpaces: []model.SearchSpaceConfig{{ID: 2, CoresetID: 1, Type: model.SearchSpaceUESpecific, Candidates: [5]uint8{2, 2, 2, 1, 0}}},
		K1:           4,
		K2:           4,
		NofDLPorts:   1,
	}
	if err := store.PutCell(c); err != nil {
		t.Fatalf("PutCell: %v", err)
	}
	u := model.UEConfig{Index: 2, RNTI: 0x4603, Cells: []model.CellIndex{0}, MaxDLLayers: 1, MaxULLayers: 1,
		NofDLHARQs: 8, NofULHARQs: 8, MaxDLRetx: 4, MaxULRetx: 4, MaxConsecutiveDLKOs: 10, MaxConsecutiveULKOs: 10, SearchSpace: 2}
	if err := store.AddUE(u, "p1"); err != nil {
		t.Fatalf("AddUE: %v", err)
	}

	s := New(testCells(), WithConfigs(store))
	if code, _ := get(t, s, "/api/v1/ues"); code != http.StatusOK {
		t.Fatalf("GET ues = %d", code)
	}
	code, env := get(t, s, "/api/v1/ues/2")
	if code != http.StatusOK {
		t.Fatalf("GET ue 2 = %d", code)
	}
	var got model.UEConfig
	if err := json.Unmarshal(env.Data, &got); err != nil || got.RNTI != 0x4603 {
		t.Fatalf("ue 2 = %s (%v)", env.Data, err)
	}
	if code, _ := get(t, s, "/api/v1/ues/3"); code != http.StatusNotFound {
		t.Fatalf("GET ue 3 = %d, want 404", code)
	}
}

func TestJournalEndpoints(t *testing.T) {
	j, err := journal.Open(context.Background(), ":memory:", journal.WithRunID("run-a"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()
	sl := model.SlotPointFromCount(0, 5)
	j.RecordRLF(0, 4, model.Downlink, 10, sl)
	j.RecordMissedDeadline(0, sl, 800*time.Microsecond)
	j.Deliver(grant.Result{Cell: 0, Slot: sl, Grants: []model.Grant{
		{Kind: model.GrantPDSCH, Cell: 0, Slot: sl, UE: 4, TBS: 2048, NewTx: true},
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); err != nil {
		t.Fatalf("journal Run: %v", err)
	}

	s := New(testCells(), WithJournal(j))
	code, env := get(t, s, "/api/v1/journal/rlf?limit=5")
	if code != http.StatusOK {
		t.Fatalf("GET rlf = %d %s", code, env.Error)
	}
	var events []journal.RLFEvent
	if err := json.Unmarshal(env.Data, &events); err != nil || len(events) != 1 || events[0].UE != 4 {
		t.Fatalf("rlf = %s (%v)", env.Data, err)
	}

	code, env = get(t, s, "/api/v1/journal/missed-deadlines?cell=0")
	if code != http.StatusOK {
		t.Fatalf("GET missed = %d", code)
	}
	var missed []journal.MissedDeadline
	if err := json.Unmarshal(env.Data, &missed); err != nil || len(missed) != 1 {
		t.Fatalf("missed = %s (%v)", env.Data, err)
	}

	code, env = get(t, s, "/api/v1/journal/throughput")
	if code != http.StatusOK {
		t.Fatalf("GET throughput = %d", code)
	}
	var rows []throughputRow
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) != 1 {
		t.Fatalf("throughput = %s (%v)", env.Data, err)
	}
	if rows[0].Bytes != 2048 || rows[0].Volume != "2.0 kB" {
		t.Fatalf("throughput row = %+v", rows[0])
	}

	if code, _ := get(t, s, "/api/v1/journal/rlf?limit=x"); code != http.StatusBadRequest {
		t.Fatalf("GET rlf with bad limit = %d, want 400", code)
	}
}

func TestMetricsMounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	m.IncMissedDeadline(0)

	s := New(testCells(), WithMetrics(observability.HandlerFor(reg)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ransched_missed_deadlines_total") {
		t.Fatalf("metrics output lacks the missed deadline counter:\n%s", rec.Body.String())
	}
}
