package quotarouter_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qr "github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/store/storetest"
)

const ledgerModel = qr.ModelID("groq:llama-3.1-8b-instant")

func newTestLedger(t *testing.T, store qr.RecordStore, clock *testClock, limits qr.Limits) *qr.Ledger {
	t.Helper()
	l := qr.NewLedger(store, qr.WithLedgerClock(clock.Now))
	require.NoError(t, l.SetLimits(context.Background(), map[qr.ModelID]qr.Limits{ledgerModel: limits}))
	return l
}

func TestMemoryStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) qr.RecordStore {
		return qr.NewMemoryStore()
	})
}

func TestLedger_AggressiveStopsAtMargin(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 10, PerDay: 1000, Margin: 0.2})

	for i := 0; i < 8; i++ {
		dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassAggressive)
		require.NoError(t, err)
		require.True(t, dec.Allowed, "aggressive reservation %d", i+1)
		assert.Len(t, dec.Reservations, 2)
	}

	dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassAggressive)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, qr.WindowMinute, dec.DeniedWindow)
	assert.Equal(t, 30*time.Second, dec.RetryAfter)

	// Production still has the reserved margin.
	for i := 0; i < 2; i++ {
		dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	dec, err = l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Count)
	assert.Equal(t, int64(10), snap.Day.Count)
}

func TestLedger_MarginRoundsUp(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 15, PerDay: 1000, Margin: 0.1})

	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.True(t, snap.Known)
	assert.Equal(t, int64(2), snap.Minute.Reserved)
	assert.Equal(t, int64(15), snap.Minute.Available)
	assert.Equal(t, int64(13), snap.Minute.AvailableForAggressive)
	assert.Equal(t, int64(13), snap.AvailableForAggressive)
	assert.Equal(t, int64(900), snap.Day.AvailableForAggressive)
}

func TestLedger_TenPercentMarginOfHundred(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 100, PerDay: 10000, Margin: 0.1})

	granted := 0
	for {
		dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassAggressive)
		require.NoError(t, err)
		if !dec.Allowed {
			break
		}
		granted++
		require.LessOrEqual(t, granted, 100)
	}
	assert.Equal(t, 90, granted)

	for i := 0; i < 10; i++ {
		dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
		require.NoError(t, err)
		require.True(t, dec.Allowed, "production reservation %d", i+1)
	}
	dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestLedger_DayWindowCapsAggressiveSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 100, PerDay: 10, Margin: 0.5})

	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.Minute.AvailableForAggressive)
	assert.Equal(t, int64(5), snap.AvailableForAggressive)
}

func TestLedger_MinuteRollover(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 1, PerDay: 100})

	dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	clock.Advance(dec.RetryAfter)

	dec, err = l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Minute.Count)
	assert.Equal(t, int64(2), snap.Day.Count)
	assert.True(t, snap.Minute.Start.Equal(time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)))
}

func TestLedger_DayDenialWaitsForMidnight(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 100, PerDay: 1})

	dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, qr.WindowDay, dec.DeniedWindow)
	assert.Equal(t, 11*time.Hour+59*time.Minute+30*time.Second, dec.RetryAfter)

	// A denied request charges neither window.
	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Minute.Count)
}

func TestLedger_SingleWindowReserve(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 5, PerDay: 5})

	dec, err := l.Reserve(ctx, ledgerModel, qr.WindowDay, qr.ClassProduction)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Len(t, dec.Reservations, 1)
	assert.Equal(t, qr.WindowDay, dec.Reservations[0].Kind)

	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Minute.Count)
	assert.Equal(t, int64(1), snap.Day.Count)

	_, err = l.Reserve(ctx, ledgerModel, qr.WindowKind("hour"), qr.ClassProduction)
	assert.ErrorIs(t, err, qr.ErrInvalidRequest)
}

func TestLedger_Release(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 10, PerDay: 100})

	first, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	_, err = l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, first.Reservations...))
	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Minute.Count)
	assert.Equal(t, int64(1), snap.Day.Count)

	// After a minute rollover only the day unit comes back.
	second, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	require.NoError(t, l.Release(ctx, second.Reservations...))

	snap, err = l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Minute.Count)
	assert.Equal(t, int64(1), snap.Day.Count)
}

func TestLedger_SetLimitsKeepsCounters(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newTestLedger(t, qr.NewMemoryStore(), clock, qr.Limits{PerMinute: 10, PerDay: 100})

	for i := 0; i < 3; i++ {
		_, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
		require.NoError(t, err)
	}

	require.NoError(t, l.SetLimits(ctx, map[qr.ModelID]qr.Limits{
		ledgerModel: {PerMinute: 4, PerDay: 50, Margin: 0.25},
	}))

	snap, err := l.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Count)
	assert.Equal(t, int64(4), snap.Limit)
	assert.Equal(t, 0.25, snap.Margin)
	assert.Equal(t, int64(1), snap.Minute.Available)
	assert.Equal(t, int64(0), snap.Minute.AvailableForAggressive)
}

func TestLedger_UnknownModelIsUnlimited(t *testing.T) {
	ctx := context.Background()
	l := qr.NewLedger(qr.NewMemoryStore(), qr.WithLedgerClock(newTestClock().Now))
	id := qr.ModelID("mystery:model")

	snap, err := l.Peek(ctx, id)
	require.NoError(t, err)
	assert.False(t, snap.Known)
	assert.Equal(t, int64(-1), snap.Minute.Available)
	assert.Equal(t, int64(math.MaxInt64), snap.Headroom(qr.ClassAggressive))

	dec, err := l.ReserveAll(ctx, id, qr.ClassAggressive)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	// Reserving registers the model so its usage is counted.
	snap, err = l.Peek(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Known)
	assert.Equal(t, int64(1), snap.Count)

	ids, err := l.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []qr.ModelID{id}, ids)
}

func TestLedger_PeekDoesNotCharge(t *testing.T) {
	ctx := context.Background()
	store := qr.NewMemoryStore()
	l := newTestLedger(t, store, newTestClock(), qr.Limits{PerMinute: 1, PerDay: 1})

	before, err := store.Load(ctx, qr.RecordQuotaLedger)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Peek(ctx, ledgerModel)
		require.NoError(t, err)
		_, err = l.PeekAll(ctx)
		require.NoError(t, err)
	}

	after, err := store.Load(ctx, qr.RecordQuotaLedger)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestLedger_TwoLedgersNeverOverGrant(t *testing.T) {
	ctx := context.Background()
	store := qr.NewMemoryStore()
	clock := newTestClock()
	a := newTestLedger(t, store, clock, qr.Limits{PerMinute: 5, PerDay: 100})
	b := qr.NewLedger(store, qr.WithLedgerClock(clock.Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
			if !assert.NoError(t, err) {
				return
			}
			if dec.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load())
	snap, err := b.Peek(ctx, ledgerModel)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Count)
}

func TestLedger_WriteFailureIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	l := newTestLedger(t, store, newTestClock(), qr.Limits{PerMinute: 5, PerDay: 5})

	store.down.Store(true)
	_, err := l.ReserveAll(ctx, ledgerModel, qr.ClassProduction)
	assert.ErrorIs(t, err, qr.ErrStatePersistence)
	assert.True(t, qr.IsFatal(err))
}

func TestLedger_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	store := qr.NewMemoryStore()
	ok, err := store.CompareAndSwap(ctx, qr.RecordQuotaLedger, 0, []byte(`{"schema":99,"data":{}}`))
	require.NoError(t, err)
	require.True(t, ok)

	l := qr.NewLedger(store)
	_, err = l.Peek(ctx, ledgerModel)
	assert.ErrorIs(t, err, qr.ErrUnsupportedSchema)
}

func TestWindowKind_Align(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	at := time.Date(2026, 3, 11, 2, 15, 42, 0, loc) // 2026-03-10 21:15:42 UTC

	assert.Equal(t, time.Date(2026, 3, 10, 21, 15, 0, 0, time.UTC), qr.WindowMinute.Align(at))
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), qr.WindowDay.Align(at))
	assert.Equal(t, 24*time.Hour, qr.WindowDay.Length())
}
