package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/runtime"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/kb"
	"github.com/signalsfoundry/ran-scheduler/model"
	"github.com/signalsfoundry/ran-scheduler/timectrl"
)

type fixture struct {
	rt      *runtime.Runtime
	client  *Client
	conn    *grpc.ClientConn
	metrics *observability.ControlCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cc := cell.DefaultConfig(model.CellConfig{
		Index:        0,
		PCI:          1,
		NofRBs:       52,
		PDSCHSymbols: model.SymbolInterval{Start: 2, Stop: 14},
		PUSCHSymbols: model.SymbolInterval{Start: 0, Stop: 14},
		Coresets:     []model.CoresetConfig{{ID: 1, RBStart: 0, NofRBs: 48, Duration: 2}},
		SearchSpaces: []model.SearchSpaceConfig{
			{ID: 2, CoresetID: 1, Type: model.SearchSpaceUESpecific, Candidates: [5]uint8{2, 2, 2, 1, 0}},
		},
		K1:         4,
		K2:         4,
		NofDLPorts: 1,
	})
	rt, err := runtime.New(runtime.Config{
		Cells: []cell.Config{cc},
		Mode:  timectrl.Accelerated,
		Start: time.Unix(1_700_000_000, 0),
	}, kb.NewKnowledgeBase())
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(rt.Stop)

	metrics, err := observability.NewControlCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}
	server, _ := NewGRPCServer(NewService(rt, rt.Publisher, nil), nil, metrics)
	lis := bufconn.Listen(1 << 20)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fixture{rt: rt, client: NewClient(conn), conn: conn, metrics: metrics}
}

func ueDoc(idx uint16) map[string]any {
	return map[string]any{
		"index":        idx,
		"rnti":         0x4601 + idx,
		"cells":        []any{0},
		"search_space": 2,
		"logical_channels": []any{
			map[string]any{"lcid": 4, "lcg": 1, "priority": 9},
		},
	}
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("status = %v (%v), want %v", got, err, want)
	}
}

func TestUELifecycleOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.AddUE(WithProcedureID(ctx, "proc-1"), ueDoc(1))
	if err != nil {
		t.Fatalf("AddUE: %v", err)
	}
	if id != "proc-1" {
		t.Fatalf("procedure id = %q, want proc-1", id)
	}
	_, err = f.client.AddUE(ctx, ueDoc(1))
	wantCode(t, err, codes.AlreadyExists)

	if _, err := f.rt.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	snap, err := f.client.Snapshot(ctx, 0)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	ues, _ := snap["ues"].([]any)
	if len(ues) != 1 {
		t.Fatalf("snapshot ues = %v, want one entry", snap["ues"])
	}

	doc := ueDoc(1)
	doc["dl_harqs"] = 4
	if _, err := f.client.UpdateUE(ctx, doc); err != nil {
		t.Fatalf("UpdateUE: %v", err)
	}
	if _, err := f.client.RemoveUE(ctx, 1); err != nil {
		t.Fatalf("RemoveUE: %v", err)
	}
	_, err = f.client.RemoveUE(ctx, 1)
	wantCode(t, err, codes.NotFound)

	got := testutil.ToFloat64(f.metrics.RPCRequests.WithLabelValues("Control", "AddUE", codes.OK.String()))
	if got != 1 {
		t.Fatalf("AddUE OK count = %v, want 1", got)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := ueDoc(2)
	bad["colour"] = "blue"
	_, err := f.client.AddUE(ctx, bad)
	wantCode(t, err, codes.InvalidArgument)

	noCells := ueDoc(2)
	noCells["cells"] = []any{}
	_, err = f.client.AddUE(ctx, noCells)
	wantCode(t, err, codes.InvalidArgument)

	wantCode(t, f.client.ReportBuffer(ctx, 0, 2, "sideways", 4, 100), codes.InvalidArgument)
	wantCode(t, f.client.ReportSR(ctx, 9, 2), codes.NotFound)
	wantCode(t, f.client.ReportHARQ(ctx, 0, 5000, "dl", 0, true), codes.InvalidArgument)

	_, err = f.client.Snapshot(ctx, 3)
	wantCode(t, err, codes.NotFound)
	_, err = f.client.Snapshot(ctx, 200)
	wantCode(t, err, codes.InvalidArgument)
}

func TestInputsReachTheCell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.client.AddUE(ctx, ueDoc(3)); err != nil {
		t.Fatalf("AddUE: %v", err)
	}
	if err := f.client.ReportCQI(ctx, 0, 3, 13, 1); err != nil {
		t.Fatalf("ReportCQI: %v", err)
	}
	if err := f.client.ReportBuffer(ctx, 0, 3, "ul", 1, 800); err != nil {
		t.Fatalf("ReportBuffer ul: %v", err)
	}
	if err := f.client.ReportSR(ctx, 0, 3); err != nil {
		t.Fatalf("ReportSR: %v", err)
	}
	if err := f.client.ReportCSI(ctx, map[string]any{"cell": 0, "ue": 3, "pusch_sinr": 12.5}); err != nil {
		t.Fatalf("ReportCSI: %v", err)
	}
	if _, err := f.rt.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	snap, _ := f.rt.Snapshot(0)
	st, ok := snap.UE(3)
	if !ok || st.CQI != 13 {
		t.Fatalf("ue 3 status = %+v (present %v), want cqi 13", st, ok)
	}
}

func TestStreamResults(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := f.client.AddUE(ctx, ueDoc(4)); err != nil {
		t.Fatalf("AddUE: %v", err)
	}
	if err := f.client.ReportCQI(ctx, 0, 4, 12, 1); err != nil {
		t.Fatalf("ReportCQI: %v", err)
	}

	got := make(chan grant.Result, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- f.client.StreamResults(ctx, 0, func(res grant.Result) bool {
			for _, g := range res.Grants {
				if g.Kind == model.GrantPDSCH && g.UE == 4 {
					got <- res
					return false
				}
			}
			return true
		})
	}()

	// keep data flowing until the stream has attached and seen a PDSCH
	for {
		if err := f.client.ReportBuffer(ctx, 0, 4, "dl", 4, 3000); err != nil {
			t.Fatalf("ReportBuffer: %v", err)
		}
		if _, err := f.rt.Step(ctx); err != nil {
			t.Fatalf("Step: %v", err)
		}
		select {
		case res := <-got:
			if res.Cell != 0 || len(res.Grants) == 0 {
				t.Fatalf("streamed result = %+v", res)
			}
			if err := <-errc; err != nil {
				t.Fatalf("StreamResults: %v", err)
			}
			return
		case err := <-errc:
			t.Fatalf("stream ended early: %v", err)
		case <-ctx.Done():
			t.Fatalf("no PDSCH result streamed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHealthService(t *testing.T) {
	f := newFixture(t)
	resp, err := healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}
}
