package journal

import (
	"context"
	"database/sql"
)

// schema uses IF NOT EXISTS so Migrate is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS rlf_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id          TEXT NOT NULL,
		at              TEXT NOT NULL,
		cell            INTEGER NOT NULL,
		ue              INTEGER NOT NULL,
		dir             TEXT NOT NULL,
		slot            TEXT NOT NULL,
		consecutive_kos INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rlf_events_ue ON rlf_events(ue)`,

	`CREATE TABLE IF NOT EXISTS missed_deadlines (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		at         TEXT NOT NULL,
		cell       INTEGER NOT NULL,
		slot       TEXT NOT NULL,
		elapsed_us INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_missed_deadlines_cell ON missed_deadlines(cell)`,

	`CREATE TABLE IF NOT EXISTS throughput (
		run_id     TEXT NOT NULL,
		cell       INTEGER NOT NULL,
		ue         INTEGER NOT NULL,
		dir        TEXT NOT NULL,
		bytes      INTEGER NOT NULL DEFAULT 0,
		grants     INTEGER NOT NULL DEFAULT 0,
		retx       INTEGER NOT NULL DEFAULT 0,
		first_slot TEXT NOT NULL,
		last_slot  TEXT NOT NULL,
		PRIMARY KEY (run_id, cell, ue, dir)
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
