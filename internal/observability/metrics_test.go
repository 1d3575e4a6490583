package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/ran-scheduler/model"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/ransched.control.v1.Control/ReportChannelState"}
	if _, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.ResourceExhausted, "queue full")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Control", "ReportChannelState", "OK")); got != 1 {
		t.Fatalf("requests OK = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Control", "ReportChannelState", "ResourceExhausted")); got != 1 {
		t.Fatalf("requests ResourceExhausted = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "ransched_control_request_duration_seconds", map[string]string{
		"service": "Control",
		"method":  "ReportChannelState",
	}); count != 2 {
		t.Fatalf("duration sample_count = %d, want 2", count)
	}
}

func TestCollectorsAreIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	second, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("second NewSchedulerCollector: %v", err)
	}
	first.IncMissedDeadline(1)
	second.IncMissedDeadline(1)
	if got := testutil.ToFloat64(first.MissedDeadlines.WithLabelValues("1")); got != 2 {
		t.Fatalf("missed deadlines = %v, want 2 (shared collector)", got)
	}
}

func TestSchedulerCollectorNilSafe(t *testing.T) {
	var c *SchedulerCollector
	c.ObserveSlot(0, time.Millisecond)
	c.AddGrants(0, model.GrantPDSCH, 3)
	c.IncRadioLinkFailure(0, model.Downlink)
	c.SetPDCCHHitRatio(0, 2)
	c.SetCCEUtilisation(0, 0.5)
	c.SetGridOccupancy(0, model.Uplink, 0.5)
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestSchedulerMetricsExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	c.AddGrants(0, model.GrantPDSCH, 3)
	c.IncCapacityExhausted(0, ResourcePDCCH)
	c.SetPDCCHHitRatio(0, 1.7)
	c.ObserveSlot(0, 200*time.Microsecond)
	c.SetCCEUtilisation(0, -0.2)
	c.SetGridOccupancy(0, model.Downlink, 0.25)

	if got := testutil.ToFloat64(c.CCEUtilisation.WithLabelValues("0")); got != 0 {
		t.Fatalf("cce utilisation = %v, want clamped 0", got)
	}
	if got := testutil.ToFloat64(c.GridOccupancy.WithLabelValues("0", "dl")); got != 0.25 {
		t.Fatalf("dl grid occupancy = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(c.Grants.WithLabelValues("0", "pdsch")); got != 3 {
		t.Fatalf("grants = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.PDCCHCacheHitRatio.WithLabelValues("0")); got != 1 {
		t.Fatalf("hit ratio = %v, want clamped 1", got)
	}

	rr := httptest.NewRecorder()
	HandlerFor(c.Gatherer()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	for _, metric := range []string{"ransched_grants_total", "ransched_capacity_exhausted_total", "ransched_slot_processing_seconds"} {
		if !strings.Contains(rr.Body.String(), metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in, service, method string
	}{
		{"/ransched.control.v1.Control/AddUE", "Control", "AddUE"},
		{"", "unknown", "unknown"},
		{"nomethod", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %s,%s want %s,%s", tc.in, s, m, tc.service, tc.method)
		}
	}
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Writer = &buf
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "ue.attach")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
	if !strings.Contains(buf.String(), "ue.attach") {
		t.Fatalf("span not exported: %q", buf.String())
	}

	if _, err := InitTracing(context.Background(), TracingConfig{}, nil); err != nil {
		t.Fatalf("disabled InitTracing: %v", err)
	}
}

func TestApplyTracingEnv(t *testing.T) {
	t.Setenv("RANSCHED_TRACING_ENABLED", "true")
	t.Setenv("RANSCHED_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("RANSCHED_TRACING_EXPORTER", "OTLP")
	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.SampleRatio != 0.25 || cfg.Exporter != "otlp" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()
	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
