package quotarouter

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker tracks per-model health using a circuit breaker pattern.
// Only provider-side failures (unavailable, rate limited) count; quota
// denials and rejected payloads do not say anything about availability.
type HealthTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	models map[ModelID]*modelHealth
}

type modelHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		now:    time.Now,
		models: make(map[ModelID]*modelHealth),
	}
}

// SetClock replaces the tracker's clock.
func (h *HealthTracker) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// GetHealth returns the current health state for a model.
func (h *HealthTracker) GetHealth(id ModelID) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, ok := h.models[id]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed: let one probe through.
	if mh.state == HealthUnhealthy && h.now().Sub(mh.unhealthyAt) >= healthUnhealthyPeriod {
		mh.state = HealthHalfOpen
	}
	return mh.state
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(id ModelID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(id)
	mh.state = HealthHealthy
	mh.failures = mh.failures[:0]
}

// RecordFailure records a provider-side failure.
func (h *HealthTracker) RecordFailure(id ModelID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(id)
	if mh.state == HealthUnhealthy {
		return
	}

	now := h.now()
	if mh.state == HealthHalfOpen {
		mh.state = HealthUnhealthy
		mh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := mh.failures[:0]
	for _, t := range mh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	mh.failures = append(valid, now)

	if len(mh.failures) >= healthFailureThreshold {
		mh.state = HealthUnhealthy
		mh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(id ModelID) *modelHealth {
	mh, ok := h.models[id]
	if !ok {
		mh = &modelHealth{state: HealthHealthy}
		h.models[id] = mh
	}
	return mh
}
