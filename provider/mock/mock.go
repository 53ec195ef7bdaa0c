package mock

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotarouter"
)

// Provider is a mock LLM provider for testing.
type Provider struct {
	name         string
	models       []string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	content      string
	usage        quotarouter.Usage
	responseFunc func(quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error)

	mu       sync.Mutex
	requests []quotarouter.ProviderRequest
}

var _ quotarouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    "mock",
		models:  []string{"mock-model"},
		content: "Hello from mock provider",
		usage: quotarouter.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithContent sets the content of successful responses.
func WithContent(content string) Option {
	return func(p *Provider) { p.content = content }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u quotarouter.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	return slices.Contains(p.models, model)
}

func (p *Provider) ChatCompletion(ctx context.Context, req quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return quotarouter.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.staticErr != nil {
		return quotarouter.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return quotarouter.ProviderResponse{}, quotarouter.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return quotarouter.ProviderResponse{
		ID:           "mock-response-id",
		Content:      p.content,
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []quotarouter.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

// Lister is a mock provider that also answers model listings.
type Lister struct {
	*Provider
	infos   []quotarouter.ModelInfo
	listErr error
}

var _ quotarouter.ModelLister = (*Lister)(nil)

// NewLister creates a listing mock. infos are returned by ListModels; when
// empty, every supported model is listed without limits.
func NewLister(infos []quotarouter.ModelInfo, opts ...Option) *Lister {
	p := New(opts...)
	if len(infos) > 0 {
		models := make([]string, 0, len(infos))
		for _, info := range infos {
			models = append(models, info.Model)
		}
		p.models = models
	}
	return &Lister{Provider: p, infos: infos}
}

// FailListing makes ListModels return err.
func (l *Lister) FailListing(err error) *Lister {
	l.listErr = err
	return l
}

// SetListing replaces what ListModels returns without changing which
// models the provider serves.
func (l *Lister) SetListing(infos []quotarouter.ModelInfo) *Lister {
	l.infos = infos
	return l
}

func (l *Lister) ListModels(ctx context.Context) ([]quotarouter.ModelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.listErr != nil {
		return nil, l.listErr
	}
	if len(l.infos) > 0 {
		return slices.Clone(l.infos), nil
	}
	out := make([]quotarouter.ModelInfo, 0, len(l.models))
	for _, m := range l.models {
		out = append(out, quotarouter.ModelInfo{Model: m})
	}
	return out, nil
}
