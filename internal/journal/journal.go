// Package journal keeps a non-real-time record of scheduler incidents and
// per-UE throughput in sqlite. Slot goroutines only ever do non-blocking
// channel sends; the journal goroutine owns the database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// ErrClosed is returned by queries after Close.
var ErrClosed = errors.New("journal: closed")

type recordKind uint8

const (
	recordRLF recordKind = iota
	recordMissedDeadline
)

type record struct {
	kind    recordKind
	at      time.Time
	cell    model.CellIndex
	ue      model.UEIndex
	dir     model.Direction
	slot    model.SlotPoint
	kos     uint16
	elapsed time.Duration
}

type tpKey struct {
	cell model.CellIndex
	ue   model.UEIndex
	dir  model.Direction
}

type tpAgg struct {
	bytes  uint64
	grants uint64
	retx   uint64
	first  model.SlotPoint
	last   model.SlotPoint
}

// Journal is the sqlite-backed diagnostics store.
type Journal struct {
	db    *sql.DB
	log   logging.Logger
	now   func() time.Time
	runID string

	records chan record
	results chan grant.Result
	flush   time.Duration

	pending map[tpKey]*tpAgg
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Option customises a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.log = l
		}
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// WithRunID tags rows with id instead of a random UUID.
func WithRunID(id string) Option {
	return func(j *Journal) {
		if id != "" {
			j.runID = id
		}
	}
}

// WithBuffer sets the capacity of the inbound queues.
func WithBuffer(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.records = make(chan record, n)
			j.results = make(chan grant.Result, n)
		}
	}
}

// WithFlushInterval sets how often throughput aggregates are written.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.flush = d
		}
	}
}

// Open opens (or creates) the database at path and migrates it. Use
// ":memory:" in tests.
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	j := &Journal{
		db:      db,
		log:     logging.Noop(),
		now:     time.Now,
		runID:   uuid.NewString(),
		records: make(chan record, 1024),
		results: make(chan grant.Result, 1024),
		flush:   time.Second,
		pending: make(map[tpKey]*tpAgg),
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := j.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// RunID identifies this process in every row it writes.
func (j *Journal) RunID() string { return j.runID }

// Migrate creates the tables and indexes.
func (j *Journal) Migrate(ctx context.Context) error {
	return migrate(ctx, j.db)
}

// Close closes the database. Run must have returned.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}

// Dropped returns the number of records and results lost to full queues.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) enqueue(r record) {
	select {
	case j.records <- r:
	default:
		j.dropped.Add(1)
	}
}

// RecordRLF queues a radio link failure. It never blocks.
func (j *Journal) RecordRLF(cell model.CellIndex, ue model.UEIndex, dir model.Direction, kos uint16, sl model.SlotPoint) {
	j.enqueue(record{kind: recordRLF, at: j.now(), cell: cell, ue: ue, dir: dir, kos: kos, slot: sl})
}

// RecordMissedDeadline queues a discarded slot. It never blocks.
func (j *Journal) RecordMissedDeadline(cell model.CellIndex, sl model.SlotPoint, elapsed time.Duration) {
	j.enqueue(record{kind: recordMissedDeadline, at: j.now(), cell: cell, slot: sl, elapsed: elapsed})
}

// Deliver implements grant.Sink; results feed the throughput aggregates.
func (j *Journal) Deliver(r grant.Result) bool {
	select {
	case j.results <- r:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// Run writes queued records until ctx is done, then drains the queues and
// flushes the aggregates.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return j.drain()
		case r := <-j.records:
			if err := j.insert(ctx, r); err != nil {
				j.log.Warn(ctx, "journal insert failed", logging.Err(err))
			}
		case res := <-j.results:
			j.aggregate(res)
		case <-ticker.C:
			if err := j.Flush(ctx); err != nil {
				j.log.Warn(ctx, "journal flush failed", logging.Err(err))
			}
		}
	}
}

func (j *Journal) drain() error {
	ctx := context.Background()
	var errs []error
	for {
		select {
		case r := <-j.records:
			if err := j.insert(ctx, r); err != nil {
				errs = append(errs, err)
			}
			continue
		case res := <-j.results:
			j.aggregate(res)
			continue
		default:
		}
		break
	}
	if err := j.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (j *Journal) aggregate(res grant.Result) {
	for _, g := range res.Grants {
		if g.Kind != model.GrantPDSCH && g.Kind != model.GrantPUSCH {
			continue
		}
		k := tpKey{cell: g.Cell, ue: g.UE, dir: g.Kind.Direction()}
		a := j.pending[k]
		if a == nil {
			a = &tpAgg{first: g.Slot}
			j.pending[k] = a
		}
		a.grants++
		a.last = g.Slot
		if g.NewTx {
			a.bytes += uint64(g.TBS)
		} else {
			a.retx++
		}
	}
}

func (j *Journal) insert(ctx context.Context, r record) error {
	at := r.at.UTC().Format(time.RFC3339Nano)
	switch r.kind {
	case recordRLF:
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO rlf_events (run_id, at, cell, ue, dir, slot, consecutive_kos) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			j.runID, at, int(r.cell), int(r.ue), r.dir.String(), r.slot.String(), int(r.kos))
		return err
	case recordMissedDeadline:
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO missed_deadlines (run_id, at, cell, slot, elapsed_us) VALUES (?, ?, ?, ?, ?)`,
			j.runID, at, int(r.cell), r.slot.String(), r.elapsed.Microseconds())
		return err
	default:
		return fmt.Errorf("unknown record kind %d", r.kind)
	}
}

// Flush writes the throughput aggregates collected since the last flush.
// It must only be called from the goroutine running Run, or after Run
// returned.
func (j *Journal) Flush(ctx context.Context) error {
	if len(j.pending) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO throughput (run_id, cell, ue, dir, bytes, grants, retx, first_slot, last_slot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, cell, ue, dir) DO UPDATE SET
			bytes = bytes + excluded.bytes,
			grants = grants + excluded.grants,
			retx = retx + excluded.retx,
			last_slot = excluded.last_slot`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for k, a := range j.pending {
		if _, err := stmt.ExecContext(ctx, j.runID, int(k.cell), int(k.ue), k.dir.String(),
			int64(a.bytes), int64(a.grants), int64(a.retx), a.first.String(), a.last.String()); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert throughput: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	clear(j.pending)
	return nil
}
