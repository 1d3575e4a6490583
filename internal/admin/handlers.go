package admin

import (
	"fmt"
	"net/http"
	goruntime "runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/signalsfoundry/ran-scheduler/internal/journal"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Cells     int    `json:"cells"`
	RunID     string `json:"run_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: goruntime.Version(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Cells:     len(s.cells.Cells()),
	}
	if s.journal != nil {
		h.RunID = s.journal.RunID()
	}
	respondOK(w, r, h)
}

func (s *Server) handleListCells(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, s.cells.Snapshots())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (*cell.Snapshot, bool) {
	idx, err := strconv.ParseUint(chi.URLParam(r, "cell"), 10, 8)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid cell index")
		return nil, false
	}
	snap, ok := s.cells.Snapshot(model.CellIndex(idx))
	if !ok {
		respondError(w, r, http.StatusNotFound, fmt.Sprintf("cell %d not found", idx))
		return nil, false
	}
	return snap, true
}

func parseUE(w http.ResponseWriter, r *http.Request) (model.UEIndex, bool) {
	idx, err := strconv.ParseUint(chi.URLParam(r, "ue"), 10, 16)
	if err != nil || idx >= model.MaxUEs {
		respondError(w, r, http.StatusBadRequest, "invalid ue index")
		return 0, false
	}
	return model.UEIndex(idx), true
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		respondOK(w, r, snap)
	}
}

func (s *Server) handleGetCellUE(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	idx, ok := parseUE(w, r)
	if !ok {
		return
	}
	st, ok := snap.UE(idx)
	if !ok {
		respondError(w, r, http.StatusNotFound, fmt.Sprintf("ue %d not found on cell %d", idx, snap.Cell))
		return
	}
	respondOK(w, r, st)
}

func (s *Server) handleListUEs(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, s.configs.UEs())
}

func (s *Server) handleGetUE(w http.ResponseWriter, r *http.Request) {
	idx, ok := parseUE(w, r)
	if !ok {
		return
	}
	cfg, ok := s.configs.UE(idx)
	if !ok {
		respondError(w, r, http.StatusNotFound, fmt.Sprintf("ue %d not found", idx))
		return
	}
	respondOK(w, r, cfg)
}

// queryInt returns the integer query parameter key, or def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func (s *Server) handleRLFEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	events, err := s.journal.RLFEvents(r.Context(), min(limit, 10000))
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, r, events)
}

func (s *Server) handleMissedDeadlines(w http.ResponseWriter, r *http.Request) {
	c, err := queryInt(r, "cell", -1)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	missed, err := s.journal.MissedDeadlines(r.Context(), c)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, r, missed)
}

// throughputRow adds a readable volume to a journal row.
type throughputRow struct {
	journal.Throughput
	Volume string `json:"volume"`
}

func (s *Server) handleThroughput(w http.ResponseWriter, r *http.Request) {
	rows, err := s.journal.Throughput(r.Context(), r.URL.Query().Get("run"))
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]throughputRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, throughputRow{Throughput: row, Volume: humanize.Bytes(uint64(row.Bytes))})
	}
	respondOK(w, r, out)
}
