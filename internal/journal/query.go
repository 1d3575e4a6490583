package journal

import (
	"context"
	"fmt"
	"time"
)

// RLFEvent is one stored radio link failure.
type RLFEvent struct {
	RunID          string    `json:"run_id"`
	At             time.Time `json:"at"`
	Cell           int       `json:"cell"`
	UE             int       `json:"ue"`
	Dir            string    `json:"dir"`
	Slot           string    `json:"slot"`
	ConsecutiveKOs int       `json:"consecutive_kos"`
}

// MissedDeadline is one stored discarded slot.
type MissedDeadline struct {
	RunID   string        `json:"run_id"`
	At      time.Time     `json:"at"`
	Cell    int           `json:"cell"`
	Slot    string        `json:"slot"`
	Elapsed time.Duration `json:"elapsed"`
}

// Throughput is the aggregate of scheduled data for one UE on one cell in
// one direction.
type Throughput struct {
	RunID     string `json:"run_id"`
	Cell      int    `json:"cell"`
	UE        int    `json:"ue"`
	Dir       string `json:"dir"`
	Bytes     int64  `json:"bytes"`
	Grants    int64  `json:"grants"`
	Retx      int64  `json:"retx"`
	FirstSlot string `json:"first_slot"`
	LastSlot  string `json:"last_slot"`
}

// RLFEvents returns the most recent failures, newest first.
func (j *Journal) RLFEvents(ctx context.Context, limit int) ([]RLFEvent, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, at, cell, ue, dir, slot, consecutive_kos
		FROM rlf_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rlf_events: %w", err)
	}
	defer rows.Close()
	var out []RLFEvent
	for rows.Next() {
		var e RLFEvent
		var at string
		if err := rows.Scan(&e.RunID, &at, &e.Cell, &e.UE, &e.Dir, &e.Slot, &e.ConsecutiveKOs); err != nil {
			return nil, fmt.Errorf("scan rlf_events: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MissedDeadlines returns the discarded slots of cell, oldest first. A
// negative cell returns every cell.
func (j *Journal) MissedDeadlines(ctx context.Context, cell int) ([]MissedDeadline, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, at, cell, slot, elapsed_us
		FROM missed_deadlines WHERE ? < 0 OR cell = ? ORDER BY id`, cell, cell)
	if err != nil {
		return nil, fmt.Errorf("query missed_deadlines: %w", err)
	}
	defer rows.Close()
	var out []MissedDeadline
	for rows.Next() {
		var m MissedDeadline
		var at string
		var us int64
		if err := rows.Scan(&m.RunID, &at, &m.Cell, &m.Slot, &us); err != nil {
			return nil, fmt.Errorf("scan missed_deadlines: %w", err)
		}
		m.At, _ = time.Parse(time.RFC3339Nano, at)
		m.Elapsed = time.Duration(us) * time.Microsecond
		out = append(out, m)
	}
	return out, rows.Err()
}

// Throughput returns the stored aggregates of runID ordered by cell, UE
// and direction. An empty runID selects this journal's run.
func (j *Journal) Throughput(ctx context.Context, runID string) ([]Throughput, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if runID == "" {
		runID = j.runID
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, cell, ue, dir, bytes, grants, retx, first_slot, last_slot
		FROM throughput WHERE run_id = ? ORDER BY cell, ue, dir`, runID)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()
	var out []Throughput
	for rows.Next() {
		var t Throughput
		if err := rows.Scan(&t.RunID, &t.Cell, &t.UE, &t.Dir, &t.Bytes, &t.Grants, &t.Retx, &t.FirstSlot, &t.LastSlot); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
