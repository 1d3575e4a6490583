// Package observability holds the Prometheus collectors and the OpenTelemetry
// setup shared by the scheduler runtime and its control surface.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ControlCollector bundles metrics for the control-plane gRPC surface that
// feeds channel state, buffer status and HARQ feedback into the scheduler.
type ControlCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
	StreamsOpen  prometheus.Gauge

	ConfiguredCells prometheus.Gauge
	ConfiguredUEs   prometheus.Gauge
}

// NewControlCollector registers control metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewControlCollector(reg prometheus.Registerer) (*ControlCollector, error) {
	reg, gatherer := resolve(reg)

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ransched_control_requests_total",
		Help: "Handled control RPCs by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "ransched_control_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ransched_control_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "ransched_control_request_duration_seconds")
	if err != nil {
		return nil, err
	}
	streams, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ransched_control_streams_open",
		Help: "Slot result streams currently attached.",
	}), "ransched_control_streams_open")
	if err != nil {
		return nil, err
	}
	cells, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ransched_configured_cells",
		Help: "Cells present in the configuration knowledge base.",
	}), "ransched_configured_cells")
	if err != nil {
		return nil, err
	}
	ues, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ransched_configured_ues",
		Help: "UEs present in the configuration knowledge base.",
	}), "ransched_configured_ues")
	if err != nil {
		return nil, err
	}

	return &ControlCollector{
		gatherer:        gatherer,
		RPCRequests:     requests,
		RPCDurations:    durations,
		StreamsOpen:     streams,
		ConfiguredCells: cells,
		ConfiguredUEs:   ues,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *ControlCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observe(fullMethod, err, time.Since(start))
		return resp, err
	}
}

// StreamServerInterceptor tracks open streams and records their outcome.
func (c *ControlCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if c == nil {
			return handler(srv, ss)
		}
		start := time.Now()
		c.StreamsOpen.Inc()
		err := handler(srv, ss)
		c.StreamsOpen.Dec()
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observe(fullMethod, err, time.Since(start))
		return err
	}
}

func (c *ControlCollector) observe(fullMethod string, err error, d time.Duration) {
	service, method := SplitMethod(fullMethod)
	if c.RPCRequests != nil {
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
	}
	if c.RPCDurations != nil {
		c.RPCDurations.WithLabelValues(service, method).Observe(d.Seconds())
	}
}

// SetConfigCounts drives the knowledge base gauges.
func (c *ControlCollector) SetConfigCounts(cells, ues int) {
	if c == nil {
		return
	}
	c.ConfiguredCells.Set(float64(cells))
	c.ConfiguredUEs.Set(float64(ues))
}

// Handler exposes a /metrics handler for the collector's registry.
func (c *ControlCollector) Handler() http.Handler {
	var gatherer prometheus.Gatherer
	if c != nil {
		gatherer = c.gatherer
	}
	return HandlerFor(gatherer)
}

// HandlerFor exposes a /metrics handler for gatherer, or the default one.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and
// method, returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func resolve(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return reg, gatherer
}

// register adds c to reg, returning the already registered collector of the
// same type when one exists so constructors stay idempotent.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
