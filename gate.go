package quotarouter

import (
	"context"
	"time"
)

const gateSchema = 1

// AggressiveModeState is the persisted gate record.
type AggressiveModeState struct {
	Enabled          bool          `json:"enabled"`
	Source           string        `json:"source,omitempty"`
	ToggledAt        time.Time     `json:"toggled_at,omitempty"`
	EnabledAt        time.Time     `json:"enabled_at,omitempty"`
	DisabledAt       time.Time     `json:"disabled_at,omitempty"`
	AutoDisableAfter time.Duration `json:"auto_disable_after"`
	ActivityCount    int64         `json:"activity_count"`
	LastActivity     time.Time     `json:"last_activity,omitempty"`
}

// expired reports whether an enabled gate has outlived AutoDisableAfter.
func (s AggressiveModeState) expired(now time.Time) bool {
	return s.Enabled && s.AutoDisableAfter > 0 && !now.Before(s.EnabledAt.Add(s.AutoDisableAfter))
}

// Gate is the persisted switch for the aggressive consumer class.
type Gate struct {
	store            RecordStore
	now              func() time.Time
	autoDisableAfter time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock sets the clock used for activation metadata.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithAutoDisableAfter sets how long an enabled gate stays on. Zero keeps it
// on until explicitly disabled.
func WithAutoDisableAfter(d time.Duration) GateOption {
	return func(g *Gate) { g.autoDisableAfter = d }
}

// NewGate creates a Gate on top of store. The gate stays as last set until
// WithAutoDisableAfter gives it an expiry.
func NewGate(store RecordStore, opts ...GateOption) *Gate {
	g := &Gate{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsEnabled reports whether aggressive callers may use surplus headroom.
// An expired gate is switched off and persisted as such.
func (g *Gate) IsEnabled(ctx context.Context) (bool, error) {
	st, err := g.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Enabled, nil
}

// State returns the gate record, applying auto-disable.
func (g *Gate) State(ctx context.Context) (AggressiveModeState, error) {
	st, err := loadState[AggressiveModeState](ctx, g.store, RecordAggressiveMode, gateSchema)
	if err != nil {
		return AggressiveModeState{}, err
	}
	if !st.expired(g.now()) {
		return st, nil
	}

	err = updateState(ctx, g.store, RecordAggressiveMode, gateSchema, g.now, func(s *AggressiveModeState) (bool, error) {
		now := g.now().UTC()
		if !s.expired(now) {
			st = *s
			return false, nil
		}
		s.Enabled = false
		s.Source = "auto-expiry"
		s.ToggledAt = now
		s.DisabledAt = now
		st = *s
		return true, nil
	})
	return st, err
}

// SetEnabled toggles the gate, recording who did it.
func (g *Gate) SetEnabled(ctx context.Context, enabled bool, source string) error {
	return updateState(ctx, g.store, RecordAggressiveMode, gateSchema, g.now, func(s *AggressiveModeState) (bool, error) {
		now := g.now().UTC()
		s.Enabled = enabled
		s.Source = source
		s.ToggledAt = now
		s.AutoDisableAfter = g.autoDisableAfter
		if enabled {
			s.EnabledAt = now
		} else {
			s.DisabledAt = now
		}
		return true, nil
	})
}

// RecordActivity counts one aggressive call served.
func (g *Gate) RecordActivity(ctx context.Context) error {
	return updateState(ctx, g.store, RecordAggressiveMode, gateSchema, g.now, func(s *AggressiveModeState) (bool, error) {
		s.ActivityCount++
		s.LastActivity = g.now().UTC()
		return true, nil
	})
}
