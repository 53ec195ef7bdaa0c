package quotarouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Names of the durable records.
const (
	RecordQuotaLedger    = "quota_ledger"
	RecordTaskRegistry   = "task_registry"
	RecordAggressiveMode = "aggressive_mode"
	RecordErrorLog       = "error_log"
	RecordCatalog        = "catalog"
)

// RecordStore persists whole records under a name with an optimistic
// version. Implementations must make CompareAndSwap atomic across processes.
type RecordStore interface {
	// Load returns the record, or a zero Record (Version 0, nil Data) if
	// it has never been written.
	Load(ctx context.Context, name string) (Record, error)

	// CompareAndSwap replaces the record only if its stored version equals
	// version (0 = record must not exist yet). It reports whether the write
	// happened; a false result with nil error is a version conflict.
	CompareAndSwap(ctx context.Context, name string, version int64, data []byte) (bool, error)
}

// OutcomeAppender is implemented by stores that keep an append-only
// outcome log next to the records.
type OutcomeAppender interface {
	AppendOutcome(ctx context.Context, rec OutcomeRecord) error
}

// Record is a stored record with its version.
type Record struct {
	Version int64
	Data    []byte
}

// envelope wraps every persisted record with its schema version.
type envelope struct {
	Schema    int             `json:"schema"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

const (
	casMaxRetries      = 8
	casInitialInterval = 5 * time.Millisecond
	casMaxInterval     = 200 * time.Millisecond
)

func decodeRecord(name string, rec Record, schema int, v any) error {
	if len(rec.Data) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(rec.Data, &env); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrStatePersistence, name, err)
	}
	if env.Schema > schema {
		return fmt.Errorf("%w: %s has schema %d, supported %d", ErrUnsupportedSchema, name, env.Schema, schema)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrStatePersistence, name, err)
	}
	return nil
}

func encodeRecord(name string, schema int, now time.Time, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrStatePersistence, name, err)
	}
	return json.Marshal(envelope{Schema: schema, UpdatedAt: now.UTC(), Data: data})
}

// loadState reads and decodes a record.
func loadState[T any](ctx context.Context, store RecordStore, name string, schema int) (T, error) {
	var state T
	rec, err := store.Load(ctx, name)
	if err != nil {
		return state, fmt.Errorf("%w: load %s: %v", ErrStatePersistence, name, err)
	}
	err = decodeRecord(name, rec, schema, &state)
	return state, err
}

// updateState runs load, mutate, compare-and-swap and retries on version
// conflicts with a short bounded backoff. mutate must derive everything from
// the state it is given since it may run more than once. Returning false
// from mutate skips the write.
func updateState[T any](ctx context.Context, store RecordStore, name string, schema int, now func() time.Time, mutate func(*T) (bool, error)) error {
	op := func() error {
		rec, err := store.Load(ctx, name)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: load %s: %v", ErrStatePersistence, name, err))
		}
		var state T
		if err := decodeRecord(name, rec, schema, &state); err != nil {
			return backoff.Permanent(err)
		}
		changed, err := mutate(&state)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !changed {
			return nil
		}
		data, err := encodeRecord(name, schema, now(), &state)
		if err != nil {
			return backoff.Permanent(err)
		}
		ok, err := store.CompareAndSwap(ctx, name, rec.Version, data)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: write %s: %v", ErrStatePersistence, name, err))
		}
		if !ok {
			return ErrVersionConflict
		}
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(casInitialInterval),
		backoff.WithMaxInterval(casMaxInterval),
	)
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, casMaxRetries), ctx))
	if errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("%w: %s: %w", ErrStatePersistence, name, err)
	}
	return err
}

// MemoryStore is an in-process RecordStore. It is safe for concurrent use
// but not shared between processes.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[name]
	if rec.Data != nil {
		rec.Data = append([]byte(nil), rec.Data...)
	}
	return rec, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, name string, version int64, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[name].Version != version {
		return false, nil
	}
	s.records[name] = Record{Version: version + 1, Data: append([]byte(nil), data...)}
	return true, nil
}
