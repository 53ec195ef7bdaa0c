package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ineyio/quotarouter"
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with Groq, OpenRouter, the HuggingFace router and others.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	models     []string
	auth       quotarouter.Auth
}

var _ quotarouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTimeout sets a per-request timeout on a dedicated HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithAuth sets credentials used when a request carries none.
func WithAuth(auth quotarouter.Auth) Option {
	return func(p *Provider) { p.auth = auth }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewHuggingFace creates a provider for the HuggingFace router. It has no
// usable listing endpoint, so its models come from the static table.
func NewHuggingFace(opts ...Option) *Provider {
	return New("huggingface", "https://router.huggingface.co/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true // no filter → accept all
	}
	return slices.Contains(p.models, model)
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model          string          `json:"model"`
	Messages       []apiMessage    `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error) {
	body := p.buildRequest(req)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("quotarouter: marshal request: %w", err)
	}

	httpResp, err := p.do(ctx, http.MethodPost, "/chat/completions", p.authFor(req.Auth), bytes.NewReader(jsonBody))
	if err != nil {
		return quotarouter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return quotarouter.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: decode response: %v", quotarouter.ErrResponseUnparseable, err)
	}

	if len(resp.Choices) == 0 {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: empty choices in response", quotarouter.ErrResponseUnparseable)
	}

	return quotarouter.ProviderResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Model:        resp.Model,
		Usage: quotarouter.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) buildRequest(req quotarouter.ProviderRequest) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	body := apiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body
}

func (p *Provider) authFor(auth quotarouter.Auth) quotarouter.Auth {
	if auth.APIKey == "" {
		return p.auth
	}
	return auth
}

func (p *Provider) do(ctx context.Context, method, path string, auth quotarouter.Auth, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("quotarouter: create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if auth.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", quotarouter.ErrProviderUnavailable, p.name, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	detail := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", quotarouter.ErrRateLimited, detail)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return quotarouter.ErrAuthFailed
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", quotarouter.ErrModelNotFound, detail)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", quotarouter.ErrProviderRejected, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: status %d", quotarouter.ErrProviderUnavailable, resp.StatusCode)
	}
}

// ListingProvider is an adapter whose models are discovered through the
// GET /models endpoint.
type ListingProvider struct {
	*Provider
	freeOnly bool
}

var _ quotarouter.ModelLister = (*ListingProvider)(nil)

// ListingOption configures a ListingProvider.
type ListingOption func(*ListingProvider)

// FreeOnly keeps only models whose id ends in ":free" or whose prompt
// price is zero.
func FreeOnly(on bool) ListingOption {
	return func(l *ListingProvider) { l.freeOnly = on }
}

// NewListing creates an OpenAI-compatible provider with model discovery.
func NewListing(name, baseURL string, listOpts []ListingOption, opts ...Option) *ListingProvider {
	l := &ListingProvider{Provider: New(name, baseURL, opts...)}
	for _, opt := range listOpts {
		opt(l)
	}
	return l
}

// NewGroq creates a provider for Groq.
func NewGroq(opts ...Option) *ListingProvider {
	return NewListing("groq", "https://api.groq.com/openai/v1", nil, opts...)
}

// NewOpenRouter creates a provider for OpenRouter restricted to free models.
func NewOpenRouter(opts ...Option) *ListingProvider {
	return NewListing("openrouter", "https://openrouter.ai/api/v1", []ListingOption{FreeOnly(true)}, opts...)
}

type apiModelList struct {
	Data []apiModel `json:"data"`
}

type apiModel struct {
	ID      string `json:"id"`
	Pricing *struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing,omitempty"`
	Architecture *struct {
		Modality string `json:"modality"`
	} `json:"architecture,omitempty"`
}

func (m apiModel) free() bool {
	if strings.HasSuffix(strings.ToLower(m.ID), ":free") {
		return true
	}
	return m.Pricing != nil && isZeroPrice(m.Pricing.Prompt)
}

func isZeroPrice(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return strings.Trim(s, "0.") == ""
}

// ListModels queries GET /models.
func (l *ListingProvider) ListModels(ctx context.Context) ([]quotarouter.ModelInfo, error) {
	resp, err := l.do(ctx, http.MethodGet, "/models", l.auth, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return nil, fmt.Errorf("list %s models: %w", l.name, err)
	}

	var list apiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("list %s models: %w", l.name, errors.Join(quotarouter.ErrResponseUnparseable, err))
	}

	out := make([]quotarouter.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID == "" {
			continue
		}
		if l.freeOnly && !m.free() {
			continue
		}
		if len(l.models) > 0 && !slices.Contains(l.models, m.ID) {
			continue
		}
		info := quotarouter.ModelInfo{Model: m.ID}
		if m.Architecture != nil && m.Architecture.Modality != "" {
			info.Capabilities = []string{m.Architecture.Modality}
		}
		out = append(out, info)
	}
	return out, nil
}
