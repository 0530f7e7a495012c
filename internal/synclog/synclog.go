// Package synclog records bulk loads in fulcrum_sync.sync_log.
//
// The table is provisioned alongside the collection tables:
//
//	CREATE TABLE fulcrum_sync.sync_log (
//		id           BIGSERIAL PRIMARY KEY,
//		collection   TEXT NOT NULL,
//		trigger      TEXT NOT NULL,
//		status       TEXT NOT NULL,
//		started_at   TIMESTAMPTZ NOT NULL,
//		completed_at TIMESTAMPTZ,
//		pages        INTEGER NOT NULL DEFAULT 0,
//		rows_created BIGINT NOT NULL DEFAULT 0,
//		rows_failed  BIGINT NOT NULL DEFAULT 0,
//		error        TEXT
//	);
package synclog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fulcrum-sync/internal/db"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Entry is one row of the run log.
type Entry struct {
	ID          int64      `json:"id"`
	Collection  string     `json:"collection"`
	Trigger     string     `json:"trigger"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Pages       int        `json:"pages"`
	RowsCreated int64      `json:"rows_created"`
	RowsFailed  int64      `json:"rows_failed"`
	Error       string     `json:"error,omitempty"`
}

// Outcome is what a finished bulk load reports to Complete.
type Outcome struct {
	Pages   int
	Created int64
	Failed  int64
}

// Log reads and writes the run log table.
type Log struct {
	pool db.Pool
}

// New creates a Log backed by the given pool.
func New(pool db.Pool) *Log {
	return &Log{pool: pool}
}

// Start records the beginning of a bulk load and returns its id. trigger is
// "empty" for a cold-start load and "backfill" for a forced one.
func (l *Log) Start(ctx context.Context, collection, trigger string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO fulcrum_sync.sync_log (collection, trigger, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		collection, trigger,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: start %s", collection)
	}
	return id, nil
}

// Complete marks a run finished. Per-record failures do not fail the run.
func (l *Log) Complete(ctx context.Context, id int64, out Outcome) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE fulcrum_sync.sync_log
		 SET status = 'complete', completed_at = now(), pages = $1, rows_created = $2, rows_failed = $3
		 WHERE id = $4`,
		out.Pages, out.Created, out.Failed, id,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: complete run %d", id)
	}
	return nil
}

// Fail marks a run aborted, for example by cancellation.
func (l *Log) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE fulcrum_sync.sync_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: fail run %d", id)
	}
	return nil
}

// LastSuccess returns when the most recent completed load of a collection
// started, or nil if it has never completed one.
func (l *Log) LastSuccess(ctx context.Context, collection string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM fulcrum_sync.sync_log
		 WHERE collection = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		collection,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "synclog: last success for %s", collection)
	}
	return &t, nil
}

// Recent returns up to limit runs, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, collection, trigger, status, started_at, completed_at, pages, rows_created, rows_failed, error
		 FROM fulcrum_sync.sync_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list recent")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errStr *string
		if err := rows.Scan(&e.ID, &e.Collection, &e.Trigger, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.Pages, &e.RowsCreated, &e.RowsFailed, &errStr); err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
