// Package postgres appends call outcomes to a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/journal"
)

const defaultTable = "call_outcomes"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Journal writes one row per processed call.
type Journal struct {
	pool  execCloser
	table string
}

// New connects to Postgres and returns a Journal.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("journal.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Journal{pool: pool, table: table}, nil
}

// NewWithPool builds a Journal over an existing pool.
func NewWithPool(pool execCloser, table string) (*Journal, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Journal{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Migrate creates the table when missing.
func (j *Journal) Migrate(ctx context.Context) error {
	if j == nil || j.pool == nil {
		return journal.ErrNotConfigured
	}
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	call_id TEXT NOT NULL,
	token TEXT,
	success BOOLEAN NOT NULL,
	stage TEXT NOT NULL,
	error TEXT,
	recording_bytes BIGINT,
	recording_seconds DOUBLE PRECISION,
	attempts INTEGER,
	archive_uri TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`, j.table)
	if _, err := j.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create %s: %w", j.table, err)
	}
	return nil
}

// Close releases the pool.
func (j *Journal) Close() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.Close()
}

// Record implements calls.Journal.
func (j *Journal) Record(ctx context.Context, out calls.Outcome) error {
	if j == nil || j.pool == nil {
		return journal.ErrNotConfigured
	}
	if out.CallID == "" {
		return fmt.Errorf("call id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	call_id,
	token,
	success,
	stage,
	error,
	recording_bytes,
	recording_seconds,
	attempts,
	archive_uri,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, j.table)
	args := []any{
		out.CallID,
		out.Token,
		out.Success,
		out.Stage,
		journal.ErrorText(out),
		out.Recording.Bytes,
		out.Recording.Duration.Seconds(),
		out.Recording.Attempts,
		out.ArchiveURI,
		out.StartedAt,
		out.FinishedAt,
	}
	if _, err := j.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert call outcome: %w", err)
	}
	return nil
}
