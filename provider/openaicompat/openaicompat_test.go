package openaicompat_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/provider/openaicompat"
)

func TestChatCompletion(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer req-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "llama-3.1-8b-instant",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"ok\":true}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer srv.Close()

	p := openaicompat.New("groq", srv.URL+"/", openaicompat.WithAuth(quotarouter.Auth{APIKey: "provider-key"}))
	maxTokens := 256
	resp, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{
		Auth:      quotarouter.Auth{APIKey: "req-key"},
		Model:     "llama-3.1-8b-instant",
		Messages:  []quotarouter.Message{{Role: "user", Content: "hi"}},
		MaxTokens: &maxTokens,
		JSONMode:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(17), resp.Usage.TotalTokens)

	assert.Equal(t, "llama-3.1-8b-instant", got["model"])
	assert.Equal(t, float64(256), got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	assert.NotContains(t, got, "temperature")
}

func TestChatCompletion_FallsBackToProviderAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer provider-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	p := openaicompat.New("groq", srv.URL, openaicompat.WithAuth(quotarouter.Auth{APIKey: "provider-key"}))
	resp, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestChatCompletion_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", quotarouter.ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, "", quotarouter.ErrAuthFailed},
		{"forbidden", http.StatusForbidden, "", quotarouter.ErrAuthFailed},
		{"model not found", http.StatusNotFound, "no such model", quotarouter.ErrModelNotFound},
		{"bad request", http.StatusBadRequest, "context too long", quotarouter.ErrProviderRejected},
		{"server error", http.StatusServiceUnavailable, "", quotarouter.ErrProviderUnavailable},
		{"empty choices", http.StatusOK, `{"choices": []}`, quotarouter.ErrResponseUnparseable},
		{"garbage body", http.StatusOK, `<html>`, quotarouter.ErrResponseUnparseable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := openaicompat.New("groq", srv.URL)
			_, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{Model: "m"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChatCompletion_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := openaicompat.New("groq", url)
	_, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{Model: "m"})
	assert.ErrorIs(t, err, quotarouter.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ChatCompletion(ctx, quotarouter.ProviderRequest{Model: "m"})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSupportsModel(t *testing.T) {
	open := openaicompat.New("groq", "http://localhost")
	assert.True(t, open.SupportsModel("anything"))

	filtered := openaicompat.New("groq", "http://localhost", openaicompat.WithModels("a", "b"))
	assert.True(t, filtered.SupportsModel("b"))
	assert.False(t, filtered.SupportsModel("c"))

	assert.Equal(t, "huggingface", openaicompat.NewHuggingFace().Name())
}

const modelList = `{"data": [
	{"id": "meta-llama/llama-3.2-3b-instruct:free", "architecture": {"modality": "text->text"}},
	{"id": "google/gemma-2-9b-it", "pricing": {"prompt": "0", "completion": "0"}},
	{"id": "openai/gpt-4o", "pricing": {"prompt": "0.0000025", "completion": "0.00001"}},
	{"id": "anthropic/paid", "pricing": {"prompt": "0.000003"}},
	{"id": ""}
]}`

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(modelList))
	}))
	defer srv.Close()

	ctx := context.Background()
	auth := openaicompat.WithAuth(quotarouter.Auth{APIKey: "or-key"})

	t.Run("free only", func(t *testing.T) {
		p := openaicompat.NewListing("openrouter", srv.URL, []openaicompat.ListingOption{openaicompat.FreeOnly(true)}, auth)
		models, err := p.ListModels(ctx)
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, "meta-llama/llama-3.2-3b-instruct:free", models[0].Model)
		assert.Equal(t, []string{"text->text"}, models[0].Capabilities)
		assert.Equal(t, "google/gemma-2-9b-it", models[1].Model)
		assert.Empty(t, models[1].Capabilities)
	})

	t.Run("all models", func(t *testing.T) {
		p := openaicompat.NewListing("openrouter", srv.URL, nil, auth)
		models, err := p.ListModels(ctx)
		require.NoError(t, err)
		assert.Len(t, models, 4)
	})

	t.Run("allow list", func(t *testing.T) {
		p := openaicompat.NewListing("openrouter", srv.URL, nil, auth, openaicompat.WithModels("openai/gpt-4o"))
		models, err := p.ListModels(ctx)
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "openai/gpt-4o", models[0].Model)
	})
}

func TestListModels_Errors(t *testing.T) {
	serve := func(status int, body string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	p := openaicompat.NewListing("groq", serve(http.StatusUnauthorized, "").URL, nil)
	_, err := p.ListModels(context.Background())
	assert.ErrorIs(t, err, quotarouter.ErrAuthFailed)
	assert.Contains(t, err.Error(), "list groq models")

	p = openaicompat.NewListing("groq", serve(http.StatusOK, "not json").URL, nil)
	_, err = p.ListModels(context.Background())
	assert.ErrorIs(t, err, quotarouter.ErrResponseUnparseable)
}

func TestNamedConstructors(t *testing.T) {
	assert.Equal(t, "groq", openaicompat.NewGroq().Name())
	assert.Equal(t, "openrouter", openaicompat.NewOpenRouter().Name())
}
