package quotarouter

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DiscoverySource tells where a model's metadata came from.
type DiscoverySource string

const (
	SourceEndpoint DiscoverySource = "endpoint"
	SourceStatic   DiscoverySource = "static"
)

// DefaultCatalogRefresh is how long a saved provider listing is trusted
// before the provider is listed again.
const DefaultCatalogRefresh = 7 * 24 * time.Hour

const catalogSchema = 1

// catalogState is the persisted catalog record, one entry per provider.
type catalogState struct {
	Providers map[string]catalogEntry `json:"providers"`
}

type catalogEntry struct {
	Models      []ProviderModel `json:"models"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// ProviderModel is a discovered provider/model pair with its limits.
type ProviderModel struct {
	ID              ModelID         `json:"id"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	PerMinute       int64           `json:"per_minute"`
	PerDay          int64           `json:"per_day"`
	TokensPerMinute int64           `json:"tokens_per_minute,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	DiscoveredAt    time.Time       `json:"discovered_at"`
	Source          DiscoverySource `json:"source"`
}

// CatalogSnapshot is the result of one discovery pass.
type CatalogSnapshot struct {
	Models       []ProviderModel   `json:"models"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	Failures     map[string]string `json:"failures,omitempty"`
}

// Catalog discovers models across providers and keeps the latest metadata
// by id. With a store it saves each provider's listing and falls back to it
// when a later listing fails. It never touches quota counters.
type Catalog struct {
	providers []Provider
	limits    RateLimitTable
	allow     map[string][]string
	now       func() time.Time
	store     RecordStore
	refresh   time.Duration

	mu         sync.RWMutex
	models     map[ModelID]ProviderModel
	discovered time.Time
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithRateLimits sets the static rate-limit table.
func WithRateLimits(t RateLimitTable) CatalogOption {
	return func(c *Catalog) { c.limits = t }
}

// WithModelAllowList restricts the models kept for a provider.
func WithModelAllowList(provider string, models ...string) CatalogOption {
	return func(c *Catalog) {
		if len(models) > 0 {
			c.allow[provider] = models
		}
	}
}

// WithCatalogClock sets the clock used for discovery timestamps.
func WithCatalogClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) { c.now = now }
}

// WithCatalogStore persists listings in store under RecordCatalog.
func WithCatalogStore(store RecordStore) CatalogOption {
	return func(c *Catalog) { c.store = store }
}

// WithRefreshInterval sets how long a listing stays fresh. Non-positive
// values keep DefaultCatalogRefresh.
func WithRefreshInterval(d time.Duration) CatalogOption {
	return func(c *Catalog) {
		if d > 0 {
			c.refresh = d
		}
	}
}

// NewCatalog creates a Catalog over providers.
func NewCatalog(providers []Provider, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		providers: providers,
		limits:    DefaultRateLimits,
		allow:     make(map[string][]string),
		now:       time.Now,
		refresh:   DefaultCatalogRefresh,
		models:    make(map[ModelID]ProviderModel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover queries every provider concurrently. A provider whose listing
// fails is reported in Failures and keeps the models it had, from memory or
// from its saved listing. Successful listings are saved when a store is set.
func (c *Catalog) Discover(ctx context.Context) (CatalogSnapshot, error) {
	now := c.now().UTC()
	found := make([][]ProviderModel, len(c.providers))
	failures := make([]error, len(c.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range c.providers {
		g.Go(func() error {
			models, err := c.discoverProvider(gctx, p, now)
			found[i], failures[i] = models, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return CatalogSnapshot{}, err
	}

	var saved catalogState
	if c.store != nil {
		var err error
		saved, err = loadState[catalogState](ctx, c.store, RecordCatalog, catalogSchema)
		if err != nil {
			return CatalogSnapshot{}, err
		}
	}

	snap := CatalogSnapshot{DiscoveredAt: now}
	c.mu.Lock()
	for i, p := range c.providers {
		if failures[i] != nil {
			if snap.Failures == nil {
				snap.Failures = make(map[string]string)
			}
			snap.Failures[p.Name()] = failures[i].Error()
			c.mergeLocked(saved.Providers[p.Name()].Models)
			continue
		}
		for _, m := range found[i] {
			c.models[m.ID] = m
		}
	}
	c.discovered = now
	c.mu.Unlock()

	if err := c.save(ctx, found, failures, now); err != nil {
		return CatalogSnapshot{}, err
	}

	snap.Models = c.Models()
	return snap, nil
}

// mergeLocked adds saved models that are allowed and newer than what is
// held in memory. c.mu must be held.
func (c *Catalog) mergeLocked(models []ProviderModel) {
	for _, m := range models {
		if !c.allowed(m.Provider, m.Model) {
			continue
		}
		if cur, ok := c.models[m.ID]; ok && !cur.DiscoveredAt.Before(m.DiscoveredAt) {
			continue
		}
		c.models[m.ID] = m
	}
}

func (c *Catalog) save(ctx context.Context, found [][]ProviderModel, failures []error, now time.Time) error {
	if c.store == nil {
		return nil
	}
	return updateState(ctx, c.store, RecordCatalog, catalogSchema, c.now, func(s *catalogState) (bool, error) {
		changed := false
		for i, p := range c.providers {
			if failures[i] != nil {
				continue
			}
			if s.Providers == nil {
				s.Providers = make(map[string]catalogEntry)
			}
			s.Providers[p.Name()] = catalogEntry{Models: found[i], RefreshedAt: now}
			changed = true
		}
		return changed, nil
	})
}

// Restore loads saved listings into memory. It reports whether every
// provider has a listing younger than the refresh interval, in which case
// the catalog counts as discovered and no listing call is needed.
func (c *Catalog) Restore(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	saved, err := loadState[catalogState](ctx, c.store, RecordCatalog, catalogSchema)
	if err != nil {
		return false, err
	}

	now := c.now().UTC()
	fresh := true
	var oldest time.Time

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.providers {
		entry, ok := saved.Providers[p.Name()]
		if !ok || now.Sub(entry.RefreshedAt) >= c.refresh {
			fresh = false
		}
		if !ok {
			continue
		}
		if oldest.IsZero() || entry.RefreshedAt.Before(oldest) {
			oldest = entry.RefreshedAt
		}
		c.mergeLocked(entry.Models)
	}
	if fresh && len(c.providers) > 0 {
		c.discovered = oldest
		return true, nil
	}
	return false, nil
}

func (c *Catalog) discoverProvider(ctx context.Context, p Provider, now time.Time) ([]ProviderModel, error) {
	name := p.Name()

	lister, ok := p.(ModelLister)
	if !ok {
		return c.staticModels(name, now), nil
	}

	infos, err := lister.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProviderModel, 0, len(infos))
	for _, info := range infos {
		if !c.allowed(name, info.Model) {
			continue
		}
		pm := ProviderModel{
			ID:              NewModelID(name, info.Model),
			Provider:        name,
			Model:           info.Model,
			PerMinute:       info.PerMinute,
			PerDay:          info.PerDay,
			TokensPerMinute: info.TokensPerMinute,
			Capabilities:    info.Capabilities,
			DiscoveredAt:    now,
			Source:          SourceEndpoint,
		}
		if static, ok := c.limits.Lookup(name, info.Model); ok {
			if pm.PerMinute == 0 {
				pm.PerMinute = static.PerMinute
			}
			if pm.PerDay == 0 {
				pm.PerDay = static.PerDay
			}
			if pm.TokensPerMinute == 0 {
				pm.TokensPerMinute = static.TokensPerMinute
			}
		}
		out = append(out, pm)
	}
	return out, nil
}

func (c *Catalog) staticModels(provider string, now time.Time) []ProviderModel {
	names := c.allow[provider]
	if len(names) == 0 {
		for m := range c.limits.StaticModels(provider) {
			names = append(names, m)
		}
		sort.Strings(names)
	}

	out := make([]ProviderModel, 0, len(names))
	for _, m := range names {
		l, _ := c.limits.Lookup(provider, m)
		out = append(out, ProviderModel{
			ID:              NewModelID(provider, m),
			Provider:        provider,
			Model:           m,
			PerMinute:       l.PerMinute,
			PerDay:          l.PerDay,
			TokensPerMinute: l.TokensPerMinute,
			DiscoveredAt:    now,
			Source:          SourceStatic,
		})
	}
	return out
}

func (c *Catalog) allowed(provider, model string) bool {
	list := c.allow[provider]
	if len(list) == 0 {
		return true
	}
	for _, m := range list {
		if m == model {
			return true
		}
	}
	return false
}

// Models returns every known model sorted by id.
func (c *Catalog) Models() []ProviderModel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ProviderModel, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one model by id.
func (c *Catalog) Get(id ModelID) (ProviderModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Discovered reports whether Discover has completed at least once.
func (c *Catalog) Discovered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.discovered.IsZero()
}

// Stale reports whether the catalog was never discovered or its last
// discovery is older than the refresh interval.
func (c *Catalog) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discovered.IsZero() || c.now().Sub(c.discovered) >= c.refresh
}

// Limits returns ledger limits for every known model, using margins for
// per-model overrides and defaultMargin otherwise.
func (c *Catalog) Limits(defaultMargin float64, margins map[ModelID]float64) map[ModelID]Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[ModelID]Limits, len(c.models))
	for id, m := range c.models {
		margin := defaultMargin
		if v, ok := margins[id]; ok {
			margin = v
		}
		out[id] = Limits{
			PerMinute:       m.PerMinute,
			PerDay:          m.PerDay,
			TokensPerMinute: m.TokensPerMinute,
			Margin:          margin,
		}
	}
	return out
}
