package quotarouter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Router routes generation requests across providers and models under
// per-window quotas, learning which model serves each task best.
type Router struct {
	cfg       Config
	providers map[string]Provider
	auth      map[string]Auth
	policy    Policy
	store     RecordStore
	meter     Meter
	health    *HealthTracker
	now       func() time.Time

	catalog  *Catalog
	ledger   *Ledger
	registry *Registry
	gate     *Gate
	errors   *ErrorLog

	refresh singleflight.Group
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the ranking policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithStore sets the durable record store shared by the ledger, registry,
// gate and error log.
func WithStore(s RecordStore) Option {
	return func(r *Router) { r.store = s }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithClock sets the wall clock used by every component.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a new Router with the given config and providers.
// Default components (priority policy, in-memory store, no-op meter) are
// used unless overridden via options.
func NewRouter(cfg Config, providers []Provider, opts ...Option) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("quotarouter: at least one provider is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if _, dup := provMap[p.Name()]; dup {
			return nil, fmt.Errorf("quotarouter: duplicate provider %q", p.Name())
		}
		provMap[p.Name()] = p
	}

	r := &Router{
		cfg:       cfg,
		providers: provMap,
		auth:      make(map[string]Auth, len(cfg.Providers)),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.policy == nil {
		r.policy = &priorityPolicy{priorities: cfg.Priorities}
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.meter == nil {
		r.meter = &noopMeter{}
	}
	if r.health == nil {
		r.health = NewHealthTracker()
		r.health.SetClock(r.now)
	}

	catOpts := []CatalogOption{
		WithRateLimits(cfg.RateLimitTable()),
		WithCatalogClock(r.now),
		WithCatalogStore(r.store),
		WithRefreshInterval(cfg.Catalog.RefreshInterval),
	}
	for _, pc := range cfg.Providers {
		r.auth[pc.Name] = pc.Auth
		catOpts = append(catOpts, WithModelAllowList(pc.Name, pc.Models...))
	}
	r.catalog = NewCatalog(providers, catOpts...)

	r.ledger = NewLedger(r.store,
		WithLedgerClock(r.now),
		WithDefaultMargin(cfg.Margin()),
	)
	r.registry = NewRegistry(r.store,
		WithRegistryClock(r.now),
		WithTaskDecls(cfg.Tasks),
		WithFallbackModels(cfg.FallbackModels),
	)

	gateOpts := []GateOption{WithGateClock(r.now)}
	if d := cfg.Aggressive.AutoDisableAfter; d != nil {
		gateOpts = append(gateOpts, WithAutoDisableAfter(*d))
	}
	r.gate = NewGate(r.store, gateOpts...)
	r.errors = NewErrorLog(r.store,
		WithErrorLogClock(r.now),
		WithErrorLogCapacity(cfg.ErrorLog.Capacity),
		WithFlushEvery(cfg.ErrorLog.FlushEvery),
	)

	return r, nil
}

// DiscoverModels refreshes the catalog and pushes limits into the ledger.
// Quota counters are never reset by discovery.
func (r *Router) DiscoverModels(ctx context.Context) (CatalogSnapshot, error) {
	snap, err := r.catalog.Discover(ctx)
	if err != nil {
		return CatalogSnapshot{}, err
	}
	if err := r.ledger.SetLimits(ctx, r.catalog.Limits(r.cfg.Margin(), r.cfg.Margins)); err != nil {
		return snap, err
	}
	return snap, nil
}

// ensureCatalog restores saved listings on first use and lists providers
// again once the catalog is older than the refresh interval. Concurrent
// callers share one refresh.
func (r *Router) ensureCatalog(ctx context.Context) error {
	if !r.catalog.Stale() {
		return nil
	}
	_, err, _ := r.refresh.Do("catalog", func() (any, error) {
		if !r.catalog.Stale() {
			return nil, nil
		}
		if !r.catalog.Discovered() {
			fresh, err := r.catalog.Restore(ctx)
			if err != nil {
				return nil, err
			}
			if fresh {
				return nil, r.ledger.SetLimits(ctx, r.catalog.Limits(r.cfg.Margin(), r.cfg.Margins))
			}
		}
		_, err := r.DiscoverModels(ctx)
		return nil, err
	})
	return err
}

// QuotaSnapshot returns the non-committing quota view of a model. While the
// aggressive gate is off every surplus figure is zero, whatever the margin
// arithmetic says.
func (r *Router) QuotaSnapshot(ctx context.Context, id ModelID) (QuotaSnapshot, error) {
	snap, err := r.ledger.Peek(ctx, id)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	on, err := r.gate.IsEnabled(ctx)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	if !on {
		snap = snap.suppressAggressive()
	}
	return snap, nil
}

// QuotaSnapshots returns the gated quota view of every model in the ledger.
func (r *Router) QuotaSnapshots(ctx context.Context) ([]QuotaSnapshot, error) {
	ids, err := r.ledger.Models(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]QuotaSnapshot, 0, len(ids))
	for _, id := range ids {
		s, err := r.QuotaSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SetAggressiveMode switches the aggressive gate.
func (r *Router) SetAggressiveMode(ctx context.Context, enabled bool, source string) error {
	return r.gate.SetEnabled(ctx, enabled, source)
}

// AggressiveMode returns the gate record, applying auto-disable.
func (r *Router) AggressiveMode(ctx context.Context) (AggressiveModeState, error) {
	return r.gate.State(ctx)
}

// RecordFeedback reports a quality score for output already returned.
func (r *Router) RecordFeedback(ctx context.Context, task string, model ModelID, quality float64) error {
	return r.registry.RecordFeedback(ctx, task, model, quality)
}

// ScanTasks reconciles the registry with declared tasks; nil uses the
// configured task list.
func (r *Router) ScanTasks(ctx context.Context, declared []TaskDecl) (ScanResult, error) {
	if declared == nil {
		declared = r.cfg.Tasks
	}
	return r.registry.ScanAndUpdate(ctx, declared)
}

// FrequentErrors returns the most common (component, kind) failures.
func (r *Router) FrequentErrors(ctx context.Context, topN int) ([]ErrorCount, error) {
	return r.errors.FrequentErrors(ctx, topN)
}

// Close flushes buffered error entries. The record store is owned by the
// caller and is not closed.
func (r *Router) Close(ctx context.Context) error {
	return r.errors.Close(ctx)
}

// Catalog returns the model catalog.
func (r *Router) Catalog() *Catalog { return r.catalog }

// Ledger returns the quota ledger.
func (r *Router) Ledger() *Ledger { return r.ledger }

// Registry returns the task registry.
func (r *Router) Registry() *Registry { return r.registry }

// Gate returns the aggressive-mode gate.
func (r *Router) Gate() *Gate { return r.gate }

// ErrorLog returns the error log.
func (r *Router) ErrorLog() *ErrorLog { return r.errors }
