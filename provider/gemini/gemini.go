package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ineyio/quotarouter"
)

// Provider is the Gemini API adapter built on the genai SDK.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	models     []string
	auth       quotarouter.Auth

	mu      sync.Mutex
	clients map[string]*genai.Client
}

var (
	_ quotarouter.Provider    = (*Provider)(nil)
	_ quotarouter.ModelLister = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithAuth sets credentials used when a request carries none.
func WithAuth(auth quotarouter.Auth) Option {
	return func(p *Provider) { p.auth = auth }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		httpClient: http.DefaultClient,
		clients:    make(map[string]*genai.Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	return slices.Contains(p.models, model)
}

// client returns the SDK client for an API key, creating it on first use.
func (p *Provider) client(ctx context.Context, auth quotarouter.Auth) (*genai.Client, error) {
	key := auth.APIKey
	if key == "" {
		key = p.auth.APIKey
	}
	if key == "" {
		return nil, fmt.Errorf("%w: gemini: api key is required", quotarouter.ErrAuthFailed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL, APIVersion: "v1beta"}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("quotarouter: gemini client: %w", err)
	}
	p.clients[key] = c
	return c, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error) {
	c, err := p.client(ctx, req.Auth)
	if err != nil {
		return quotarouter.ProviderResponse{}, err
	}

	contents, cfg := buildRequest(req)
	resp, err := c.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return quotarouter.ProviderResponse{}, mapError(ctx, err)
	}

	if len(resp.Candidates) == 0 {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: gemini: no candidates in response", quotarouter.ErrResponseUnparseable)
	}

	out := quotarouter.ProviderResponse{
		ID:           resp.ResponseID,
		Content:      resp.Text(),
		FinishReason: mapFinishReason(resp.Candidates[0].FinishReason),
		Model:        req.Model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = quotarouter.Usage{
			PromptTokens:     int64(u.PromptTokenCount),
			CompletionTokens: int64(u.CandidatesTokenCount),
			TotalTokens:      int64(u.TotalTokenCount),
		}
	}
	return out, nil
}

func buildRequest(req quotarouter.ProviderRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		StopSequences: req.Stop,
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return contents, cfg
}

func mapFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "content_filter"
	default:
		return strings.ToLower(string(r))
	}
}

// ListModels lists models that support generateContent. The "models/"
// prefix is stripped from names.
func (p *Provider) ListModels(ctx context.Context) ([]quotarouter.ModelInfo, error) {
	c, err := p.client(ctx, quotarouter.Auth{})
	if err != nil {
		return nil, err
	}

	var out []quotarouter.ModelInfo
	for m, err := range c.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list gemini models: %w", mapError(ctx, err))
		}
		if !slices.Contains(m.SupportedActions, "generateContent") {
			continue
		}
		name := strings.TrimPrefix(m.Name, "models/")
		if len(p.models) > 0 && !slices.Contains(p.models, name) {
			continue
		}
		out = append(out, quotarouter.ModelInfo{
			Model:        name,
			Capabilities: m.SupportedActions,
		})
	}
	return out, nil
}

func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: gemini: %v", quotarouter.ErrProviderUnavailable, err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gemini: %s", quotarouter.ErrRateLimited, apiErr.Message)
	case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
		return quotarouter.ErrAuthFailed
	case apiErr.Code == http.StatusNotFound:
		return fmt.Errorf("%w: gemini: %s", quotarouter.ErrModelNotFound, apiErr.Message)
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return fmt.Errorf("%w: gemini: status %d: %s", quotarouter.ErrProviderRejected, apiErr.Code, apiErr.Message)
	default:
		return fmt.Errorf("%w: gemini: status %d", quotarouter.ErrProviderUnavailable, apiErr.Code)
	}
}
