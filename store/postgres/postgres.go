// Package postgres provides a PostgreSQL-backed RecordStore for quotarouter.
//
// Records are rows with a version column; CompareAndSwap is a conditional
// INSERT or UPDATE, which makes it safe for multi-instance deployments and
// durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotarouter"
)

// Store is a PostgreSQL-backed RecordStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ quotarouter.RecordStore     = (*Store)(nil)
	_ quotarouter.OutcomeAppender = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotarouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed RecordStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotarouter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("quotarouter/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quotarouter/postgres: ping: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recordsTable() string  { return s.tablePrefix + "records" }
func (s *Store) outcomesTable() string { return s.tablePrefix + "outcomes" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			at TIMESTAMPTZ NOT NULL,
			task TEXT NOT NULL,
			model TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			quality DOUBLE PRECISION,
			kind TEXT NOT NULL DEFAULT '',
			tokens BIGINT NOT NULL DEFAULT 0
		);
	`, s.recordsTable(), s.outcomesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotarouter/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, name string) (quotarouter.Record, error) {
	var rec quotarouter.Record
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT version, data FROM %s WHERE name = $1`, s.recordsTable()),
		name,
	).Scan(&rec.Version, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotarouter.Record{}, nil
	}
	if err != nil {
		return quotarouter.Record{}, fmt.Errorf("quotarouter/postgres: load %s: %w", name, err)
	}
	return rec, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, name string, version int64, data []byte) (bool, error) {
	var q string
	var args []any
	if version == 0 {
		q = fmt.Sprintf(`INSERT INTO %s (name, version, data) VALUES ($1, 1, $2)
			ON CONFLICT (name) DO NOTHING`, s.recordsTable())
		args = []any{name, data}
	} else {
		q = fmt.Sprintf(`UPDATE %s SET version = version + 1, data = $2, updated_at = now()
			WHERE name = $1 AND version = $3`, s.recordsTable())
		args = []any{name, data, version}
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("quotarouter/postgres: write %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendOutcome inserts one outcome row.
func (s *Store) AppendOutcome(ctx context.Context, rec quotarouter.OutcomeRecord) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (at, task, model, success, latency_ms, quality, kind, tokens)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.outcomesTable()),
		rec.Time, rec.Task, string(rec.Model), rec.Success,
		rec.Latency.Milliseconds(), rec.Quality, string(rec.Kind), rec.Tokens,
	)
	if err != nil {
		return fmt.Errorf("quotarouter/postgres: append outcome: %w", err)
	}
	return nil
}

// CountOutcomes returns the number of stored outcomes for a task.
func (s *Store) CountOutcomes(ctx context.Context, task string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE task = $1`, s.outcomesTable()),
		task,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("quotarouter/postgres: count outcomes: %w", err)
	}
	return n, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}
