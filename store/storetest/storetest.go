// Package storetest checks RecordStore implementations against the
// behavior the ledger, registry, gate and error log rely on.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotarouter"
)

// Run runs the conformance suite. newStore must return an empty store
// isolated from every other call.
func Run(t *testing.T, newStore func(t *testing.T) quotarouter.RecordStore) {
	t.Helper()

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Load(context.Background(), "missing")
		require.NoError(t, err)
		assert.Zero(t, rec.Version)
		assert.Empty(t, rec.Data)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.CompareAndSwap(ctx, "r", 0, []byte(`{"a":1}`))
		require.NoError(t, err)
		require.True(t, ok)

		// Creating again must conflict.
		ok, err = s.CompareAndSwap(ctx, "r", 0, []byte(`{"a":2}`))
		require.NoError(t, err)
		assert.False(t, ok)

		rec, err := s.Load(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Version)
		assert.JSONEq(t, `{"a":1}`, string(rec.Data))

		ok, err = s.CompareAndSwap(ctx, "r", 5, []byte(`{"a":3}`))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, "r", 1, []byte(`{"a":4}`))
		require.NoError(t, err)
		require.True(t, ok)

		rec, err = s.Load(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		assert.JSONEq(t, `{"a":4}`, string(rec.Data))
	})

	t.Run("RecordsAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.CompareAndSwap(ctx, quotarouter.RecordQuotaLedger, 0, []byte(`{}`))
		require.NoError(t, err)
		require.True(t, ok)

		rec, err := s.Load(ctx, quotarouter.RecordTaskRegistry)
		require.NoError(t, err)
		assert.Zero(t, rec.Version)
	})

	t.Run("ConcurrentLedgersNoOverAllocation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
		clock := func() time.Time { return now }
		id := quotarouter.NewModelID("groq", "llama-3.1-8b-instant")

		setup := quotarouter.NewLedger(s, quotarouter.WithLedgerClock(clock))
		require.NoError(t, setup.SetLimits(ctx, map[quotarouter.ModelID]quotarouter.Limits{
			id: {PerMinute: 10, PerDay: 100},
		}))

		// Two ledgers model two processes sharing the store.
		ledgers := []*quotarouter.Ledger{
			quotarouter.NewLedger(s, quotarouter.WithLedgerClock(clock)),
			quotarouter.NewLedger(s, quotarouter.WithLedgerClock(clock)),
		}

		var wg sync.WaitGroup
		var allowed, denied atomic.Int64
		for i := range 16 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				dec, err := ledgers[i%2].ReserveAll(ctx, id, quotarouter.ClassProduction)
				if err != nil {
					// Contention may exhaust the retries; that must surface
					// as a persistence failure, never as a silent grant.
					assert.True(t, errors.Is(err, quotarouter.ErrStatePersistence), "unexpected error: %v", err)
					return
				}
				if dec.Allowed {
					allowed.Add(1)
				} else {
					denied.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.LessOrEqual(t, allowed.Load(), int64(10))

		snap, err := setup.Peek(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, allowed.Load(), snap.Minute.Count)
		assert.Equal(t, allowed.Load(), snap.Day.Count)
	})
}
