// Package redis provides a Redis-backed RecordStore for quotarouter.
//
// Each record is a hash holding its version and data. CompareAndSwap runs
// as a Lua script, which makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotarouter"
)

const defaultMaxOutcomes = 10000

// Store is a Redis-backed RecordStore.
type Store struct {
	client      goredis.Cmdable
	keyPrefix   string
	maxOutcomes int64
}

var (
	_ quotarouter.RecordStore     = (*Store)(nil)
	_ quotarouter.OutcomeAppender = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotarouter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxOutcomes bounds the outcome list (default 10000).
func WithMaxOutcomes(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOutcomes = n
		}
	}
}

// New creates a new Redis-backed RecordStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:      client,
		keyPrefix:   "quotarouter:",
		maxOutcomes: defaultMaxOutcomes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(name string) string {
	return s.keyPrefix + "record:" + name
}

func (s *Store) outcomesKey() string {
	return s.keyPrefix + "outcomes"
}

// casScript is a Lua script for an atomic versioned write.
// KEYS[1] = record hash key
// ARGV[1] = expected version (0 = must not exist)
// ARGV[2] = data
//
// Returns:
//
//	1 = written
//	0 = version conflict
var casScript = goredis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])

local current = tonumber(redis.call("HGET", key, "version") or "0")
if current ~= expected then
    return 0
end

redis.call("HSET", key, "version", tostring(current + 1), "data", ARGV[2])
return 1
`)

func (s *Store) Load(ctx context.Context, name string) (quotarouter.Record, error) {
	vals, err := s.client.HMGet(ctx, s.recordKey(name), "version", "data").Result()
	if err != nil {
		return quotarouter.Record{}, fmt.Errorf("quotarouter/redis: load %s: %w", name, err)
	}

	// Record not found.
	if vals[0] == nil {
		return quotarouter.Record{}, nil
	}

	vs, _ := vals[0].(string)
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return quotarouter.Record{}, fmt.Errorf("quotarouter/redis: load %s: bad version %q", name, vs)
	}
	data, _ := vals[1].(string)
	return quotarouter.Record{Version: version, Data: []byte(data)}, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, name string, version int64, data []byte) (bool, error) {
	result, err := casScript.Run(ctx, s.client,
		[]string{s.recordKey(name)},
		version, data,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("quotarouter/redis: write %s: %w", name, err)
	}

	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("quotarouter/redis: unexpected cas result: %d", result)
	}
}

// AppendOutcome pushes an outcome onto a capped list, newest first.
func (s *Store) AppendOutcome(ctx context.Context, rec quotarouter.OutcomeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("quotarouter/redis: encode outcome: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.outcomesKey(), data)
	pipe.LTrim(ctx, s.outcomesKey(), 0, s.maxOutcomes-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quotarouter/redis: append outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, limit int64) ([]quotarouter.OutcomeRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.outcomesKey(), 0, limit-1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("quotarouter/redis: recent outcomes: %w", err)
	}
	out := make([]quotarouter.OutcomeRecord, 0, len(raw))
	for _, item := range raw {
		var rec quotarouter.OutcomeRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
