// Package sqlite appends call outcomes to a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/journal"
)

// Journal stores outcomes in the call_outcomes table.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal.dsn is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// single writer; modernc serialises anyway
	db.SetMaxOpenConns(1)
	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			token TEXT,
			success INTEGER NOT NULL,
			stage TEXT NOT NULL,
			error TEXT,
			recording_bytes INTEGER,
			recording_ms INTEGER,
			attempts INTEGER,
			archive_uri TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_outcomes_call ON call_outcomes(call_id);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record implements calls.Journal.
func (j *Journal) Record(ctx context.Context, out calls.Outcome) error {
	if j == nil || j.db == nil {
		return journal.ErrNotConfigured
	}
	_, err := j.db.ExecContext(ctx, `INSERT INTO call_outcomes(
		call_id, token, success, stage, error, recording_bytes, recording_ms, attempts, archive_uri, started_at, finished_at
	) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		out.CallID,
		out.Token,
		out.Success,
		out.Stage,
		journal.ErrorText(out),
		out.Recording.Bytes,
		out.Recording.Duration.Milliseconds(),
		out.Recording.Attempts,
		out.ArchiveURI,
		out.StartedAt.UTC(),
		out.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert call outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]calls.Outcome, error) {
	if j == nil || j.db == nil {
		return nil, journal.ErrNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `SELECT call_id, token, success, stage, error, recording_bytes, recording_ms,
		attempts, archive_uri, started_at, finished_at
		FROM call_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call outcomes: %w", err)
	}
	defer rows.Close()

	var out []calls.Outcome
	for rows.Next() {
		var (
			o       calls.Outcome
			errText sql.NullString
			archive sql.NullString
			ms      int64
		)
		if err := rows.Scan(&o.CallID, &o.Token, &o.Success, &o.Stage, &errText, &o.Recording.Bytes, &ms,
			&o.Recording.Attempts, &archive, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan call outcome: %w", err)
		}
		o.Error = errText.String
		o.ArchiveURI = archive.String
		o.Recording.Duration = time.Duration(ms) * time.Millisecond
		o.Elapsed = o.FinishedAt.Sub(o.StartedAt)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call outcomes: %w", err)
	}
	return out, nil
}
