// Package admin serves the operator HTTP surface: Prometheus metrics,
// health, debug snapshots of the cells and the diagnostics journal.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signalsfoundry/ran-scheduler/internal/journal"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// Cells is the read side of the runtime used by the debug endpoints.
type Cells interface {
	Cells() []model.CellIndex
	Snapshot(model.CellIndex) (*cell.Snapshot, bool)
	Snapshots() []*cell.Snapshot
}

// Configs lists the stored UE configurations.
type Configs interface {
	UEs() []model.UEConfig
	UE(model.UEIndex) (model.UEConfig, bool)
}

// Journal is the query side of the diagnostics journal.
type Journal interface {
	RunID() string
	RLFEvents(ctx context.Context, limit int) ([]journal.RLFEvent, error)
	MissedDeadlines(ctx context.Context, cell int) ([]journal.MissedDeadline, error)
	Throughput(ctx context.Context, runID string) ([]journal.Throughput, error)
}

// Server is the admin HTTP handler.
type Server struct {
	router  chi.Router
	log     logging.Logger
	started time.Time
	version string

	cells   Cells
	configs Configs
	journal Journal
	metrics http.Handler
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithJournal enables the /api/v1/journal endpoints.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithConfigs enables /api/v1/ues.
func WithConfigs(c Configs) Option {
	return func(s *Server) { s.configs = c }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server with all routes registered.
func New(cells Cells, opts ...Option) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     logging.Noop(),
		started: time.Now(),
		version: "dev",
		cells:   cells,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cells", func(r chi.Router) {
			r.Get("/", s.handleListCells)
			r.Route("/{cell}", func(r chi.Router) {
				r.Get("/", s.handleGetCell)
				r.Get("/ues/{ue}", s.handleGetCellUE)
			})
		})
		if s.configs != nil {
			r.Route("/ues", func(r chi.Router) {
				r.Get("/", s.handleListUEs)
				r.Get("/{ue}", s.handleGetUE)
			})
		}
		if s.journal != nil {
			r.Route("/journal", func(r chi.Router) {
				r.Get("/rlf", s.handleRLFEvents)
				r.Get("/missed-deadlines", s.handleMissedDeadlines)
				r.Get("/throughput", s.handleThroughput)
			})
		}
	})
}

// ListenAndServe serves s on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info(ctx, "admin server listening", logging.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
