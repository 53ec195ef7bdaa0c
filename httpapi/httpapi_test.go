package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/httpapi"
	"github.com/ineyio/quotarouter/provider/mock"
)

func newServer(t *testing.T, opts ...mock.Option) (*httptest.Server, *quotarouter.Router) {
	t.Helper()
	gemini := mock.New(append([]mock.Option{mock.WithName("gemini"), mock.WithModels("gemini-2.0-flash")}, opts...)...)
	groq := mock.New(append([]mock.Option{mock.WithName("groq"), mock.WithModels("llama-3.1-8b-instant")}, opts...)...)
	cfg := quotarouter.Config{
		Providers: []quotarouter.ProviderConfig{
			{Name: "gemini", Models: []string{"gemini-2.0-flash"}},
			{Name: "groq", Models: []string{"llama-3.1-8b-instant"}},
		},
	}
	r, err := quotarouter.NewRouter(cfg, []quotarouter.Provider{gemini, groq})
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.New(r, zaptest.NewLogger(t)))
	t.Cleanup(func() {
		srv.Close()
		_ = r.Close(context.Background())
	})
	return srv, r
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

const routeBody = `{"task": "hashtag_builder", "messages": [{"role": "user", "content": "tags for a cat video"}]}`

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "ok"}`, string(body))
}

func TestRoute(t *testing.T) {
	srv, _ := newServer(t, mock.WithContent("#cats #video"))
	resp, body := do(t, srv, http.MethodPost, "/route", routeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out quotarouter.Output
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "#cats #video", out.Content)
	assert.Equal(t, quotarouter.ModelID("groq:llama-3.1-8b-instant"), out.Routing.Model)
	assert.Equal(t, "hashtag_builder", out.Routing.Task)
	assert.NotEmpty(t, out.Routing.RequestID)
}

func TestRoute_Exhausted(t *testing.T) {
	srv, _ := newServer(t, mock.WithError(quotarouter.ErrRateLimited))
	resp, body := do(t, srv, http.MethodPost, "/route", routeBody)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var got struct {
		Error    string `json:"error"`
		Kind     string `json:"kind"`
		Attempts []struct {
			Model string `json:"model"`
			Kind  string `json:"kind"`
		} `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, string(quotarouter.KindExhausted), got.Kind)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, "groq:llama-3.1-8b-instant", got.Attempts[0].Model)
	assert.Equal(t, string(quotarouter.KindRateLimited), got.Attempts[0].Kind)
}

func TestRoute_BadRequests(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"task":`, http.StatusBadRequest},
		{"unknown field", `{"task": "t", "prompt": "x"}`, http.StatusBadRequest},
		{"no messages", `{"task": "t"}`, http.StatusBadRequest},
		{"aggressive while disabled", `{"task": "t", "class": "aggressive", "messages": [{"role": "user", "content": "x"}]}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/route", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestQuota(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := do(t, srv, http.MethodPost, "/route", routeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, srv, http.MethodGet, "/quota/groq:llama-3.1-8b-instant", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap quotarouter.QuotaSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, int64(1), snap.Count)
	assert.Equal(t, int64(60), snap.Limit)
	assert.Equal(t, int64(0), snap.AvailableForAggressive, "gate is off")

	resp, body = do(t, srv, http.MethodGet, "/quota", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []quotarouter.QuotaSnapshot
	require.NoError(t, json.Unmarshal(body, &all))
	assert.NotEmpty(t, all)

	resp, _ = do(t, srv, http.MethodGet, "/quota?model=groq", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuota_ModelIDWithSlashes(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/quota/openrouter:google/gemma-2-9b-it:free", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap quotarouter.QuotaSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, quotarouter.ModelID("openrouter:google/gemma-2-9b-it:free"), snap.Model)

	resp, _ = do(t, srv, http.MethodGet, "/quota/", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggressive(t *testing.T) {
	srv, r := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/aggressive", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"enabled":false`)

	resp, _ = do(t, srv, http.MethodPost, "/aggressive", `{"source": "ops"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/aggressive", `{"enabled": true, "source": "ops"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st quotarouter.AggressiveModeState
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Enabled)
	assert.Equal(t, "ops", st.Source)

	stored, err := r.AggressiveMode(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
}

func TestFeedback(t *testing.T) {
	srv, r := newServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/feedback", `{"task": "weekly_digest", "model": "gemini:gemini-2.0-flash", "quality": 8}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	profile, err := r.Registry().GetProfile(context.Background(), "weekly_digest")
	require.NoError(t, err)
	require.Contains(t, profile.Models, quotarouter.ModelID("gemini:gemini-2.0-flash"))
	assert.Positive(t, profile.AvgQuality)

	resp, _ = do(t, srv, http.MethodPost, "/feedback", `{"task": "weekly_digest", "model": "gemini:gemini-2.0-flash", "quality": 11}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanAndDiscover(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/scan", `{"tasks": [{"name": "viral_topic_generation"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res quotarouter.ScanResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, []string{"viral_topic_generation"}, res.Added)

	resp, body = do(t, srv, http.MethodPost, "/discover", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap quotarouter.CatalogSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Len(t, snap.Models, 2)
}

func TestFrequentErrors(t *testing.T) {
	srv, _ := newServer(t, mock.WithError(quotarouter.ErrProviderUnavailable))
	resp, _ := do(t, srv, http.MethodPost, "/route", routeBody)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/errors?top=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var counts []quotarouter.ErrorCount
	require.NoError(t, json.Unmarshal(body, &counts))
	require.Len(t, counts, 1)
	assert.Equal(t, "engine", counts[0].Component)
	assert.Equal(t, int64(2), counts[0].Count)

	resp, body = do(t, srv, http.MethodGet, "/errors?top=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "top must be"))
}
