// Package sqlite provides a SQLite-backed RecordStore for quotarouter.
//
// Records live in one table with an integer version column; CompareAndSwap
// is a single conditional statement, so several processes sharing the file
// see a consistent ledger. Outcomes are appended to a second table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ineyio/quotarouter"
)

// Store is a SQLite-backed RecordStore.
type Store struct {
	db *sql.DB
}

var (
	_ quotarouter.RecordStore     = (*Store)(nil)
	_ quotarouter.OutcomeAppender = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("quotarouter/sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("quotarouter/sqlite: open: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("quotarouter/sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const q = `
	CREATE TABLE IF NOT EXISTS records (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	);
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		task TEXT NOT NULL,
		model TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		quality REAL,
		kind TEXT NOT NULL DEFAULT '',
		tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_task ON outcomes(task, at_ms);`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("quotarouter/sqlite: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, name string) (quotarouter.Record, error) {
	var rec quotarouter.Record
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM records WHERE name = ?`, name,
	).Scan(&rec.Version, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return quotarouter.Record{}, nil
	}
	if err != nil {
		return quotarouter.Record{}, fmt.Errorf("quotarouter/sqlite: load %s: %w", name, err)
	}
	return rec, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, name string, version int64, data []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO records (name, version, data) VALUES (?, 1, ?) ON CONFLICT(name) DO NOTHING`,
			name, data,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE records SET version = version + 1, data = ?, updated_at = unixepoch()
			WHERE name = ? AND version = ?`,
			data, name, version,
		)
	}
	if err != nil {
		return false, fmt.Errorf("quotarouter/sqlite: write %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("quotarouter/sqlite: write %s: %w", name, err)
	}
	return n == 1, nil
}

// AppendOutcome appends one outcome to the outcomes table.
func (s *Store) AppendOutcome(ctx context.Context, rec quotarouter.OutcomeRecord) error {
	var quality sql.NullFloat64
	if rec.Quality != nil {
		quality = sql.NullFloat64{Float64: *rec.Quality, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (at_ms, task, model, success, latency_ms, quality, kind, tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UnixMilli(), rec.Task, string(rec.Model), rec.Success,
		rec.Latency.Milliseconds(), quality, string(rec.Kind), rec.Tokens,
	)
	if err != nil {
		return fmt.Errorf("quotarouter/sqlite: append outcome: %w", err)
	}
	return nil
}

// CountOutcomes returns the number of stored outcomes for a task.
func (s *Store) CountOutcomes(ctx context.Context, task string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes WHERE task = ?`, task).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("quotarouter/sqlite: count outcomes: %w", err)
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
