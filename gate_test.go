package quotarouter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qr "github.com/ineyio/quotarouter"
)

func TestGate_DisabledByDefault(t *testing.T) {
	g := qr.NewGate(qr.NewMemoryStore())
	on, err := g.IsEnabled(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
}

func TestGate_Toggle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	g := qr.NewGate(qr.NewMemoryStore(), qr.WithGateClock(clock.Now))

	require.NoError(t, g.SetEnabled(ctx, true, "ops"))
	st, err := g.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "ops", st.Source)
	assert.True(t, clock.Now().Equal(st.EnabledAt))
	assert.Zero(t, st.AutoDisableAfter)

	clock.Advance(time.Hour)
	require.NoError(t, g.SetEnabled(ctx, false, "cli"))
	st, err = g.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.True(t, clock.Now().Equal(st.DisabledAt))
}

func TestGate_AutoDisable(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := qr.NewMemoryStore()
	g := qr.NewGate(store, qr.WithGateClock(clock.Now), qr.WithAutoDisableAfter(2*time.Hour))

	require.NoError(t, g.SetEnabled(ctx, true, "ops"))
	clock.Advance(2*time.Hour - time.Second)
	on, err := g.IsEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	clock.Advance(time.Second)
	on, err = g.IsEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	// The expiry is persisted for other processes.
	other := qr.NewGate(store, qr.WithGateClock(clock.Now))
	st, err := other.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, "auto-expiry", st.Source)
}

func TestGate_StaysOnWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	g := qr.NewGate(qr.NewMemoryStore(), qr.WithGateClock(clock.Now))

	require.NoError(t, g.SetEnabled(ctx, true, "ops"))
	clock.Advance(25 * time.Hour)
	st, err := g.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "ops", st.Source)

	clock.Advance(30 * 24 * time.Hour)
	on, err := g.IsEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestRouter_GateStaysOnUnderDefaultConfig(t *testing.T) {
	providers, cfg := threeProviders()
	r, clock := newTestRouter(t, cfg, providers)
	ctx := context.Background()

	require.NoError(t, r.SetAggressiveMode(ctx, true, "ops"))
	clock.Advance(25 * time.Hour)

	st, err := r.AggressiveMode(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "ops", st.Source)

	_, err = r.BuildChain(ctx, "hashtag_builder", qr.ClassAggressive)
	assert.NoError(t, err)
}

func TestRouter_GateExpiresWhenConfigured(t *testing.T) {
	providers, cfg := threeProviders()
	after := 6 * time.Hour
	cfg.Aggressive.AutoDisableAfter = &after
	r, clock := newTestRouter(t, cfg, providers)
	ctx := context.Background()

	require.NoError(t, r.SetAggressiveMode(ctx, true, "ops"))
	clock.Advance(after)

	st, err := r.AggressiveMode(ctx)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, "auto-expiry", st.Source)
}

func TestGate_RecordActivity(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	g := qr.NewGate(qr.NewMemoryStore(), qr.WithGateClock(clock.Now))

	require.NoError(t, g.RecordActivity(ctx))
	require.NoError(t, g.RecordActivity(ctx))

	st, err := g.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ActivityCount)
	assert.True(t, clock.Now().Equal(st.LastActivity))
}
