package main

import (
	"context"
	"fmt"
	"net/http"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/provider/gemini"
	"github.com/ineyio/quotarouter/provider/openaicompat"
	storepg "github.com/ineyio/quotarouter/store/postgres"
	storeredis "github.com/ineyio/quotarouter/store/redis"
	"github.com/ineyio/quotarouter/store/sqlite"
)

// knownBaseURLs are the OpenAI-compatible endpoints used when a provider
// config names a well-known provider without a base_url.
var knownBaseURLs = map[string]string{
	"groq":        "https://api.groq.com/openai/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"huggingface": "https://router.huggingface.co/v1",
}

// buildProviders creates provider adapters from config.
func buildProviders(cfg quotarouter.Config) ([]quotarouter.Provider, error) {
	out := make([]quotarouter.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := buildProvider(pc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func buildProvider(pc quotarouter.ProviderConfig) (quotarouter.Provider, error) {
	client := http.DefaultClient
	if pc.Timeout > 0 {
		client = &http.Client{Timeout: pc.Timeout}
	}

	switch pc.Type {
	case quotarouter.ProviderTypeGemini:
		opts := []gemini.Option{
			gemini.WithAuth(pc.Auth),
			gemini.WithHTTPClient(client),
			gemini.WithModels(pc.Models...),
		}
		if pc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
		}
		return gemini.New(opts...), nil

	case quotarouter.ProviderTypeOpenAICompat, "":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = knownBaseURLs[pc.Name]
		}
		if baseURL == "" {
			return nil, fmt.Errorf("provider %q: base_url is required", pc.Name)
		}
		opts := []openaicompat.Option{
			openaicompat.WithAuth(pc.Auth),
			openaicompat.WithHTTPClient(client),
			openaicompat.WithModels(pc.Models...),
		}
		// HuggingFace has no usable listing; its models come from the
		// static table.
		if pc.Name == "huggingface" {
			return openaicompat.New(pc.Name, baseURL, opts...), nil
		}
		freeOnly := pc.FreeOnly || pc.Name == "openrouter"
		return openaicompat.NewListing(pc.Name, baseURL,
			[]openaicompat.ListingOption{openaicompat.FreeOnly(freeOnly)}, opts...), nil

	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
	}
}

// openStore opens the configured record store. The returned func releases
// its resources.
func openStore(ctx context.Context, sc quotarouter.StorageConfig) (quotarouter.RecordStore, func() error, error) {
	noop := func() error { return nil }

	switch sc.Driver {
	case "", quotarouter.StorageMemory:
		return quotarouter.NewMemoryStore(), noop, nil

	case quotarouter.StorageSQLite:
		s, err := sqlite.Open(ctx, sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case quotarouter.StorageRedis:
		opts, err := goredis.ParseURL(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		var storeOpts []storeredis.Option
		if sc.Prefix != "" {
			storeOpts = append(storeOpts, storeredis.WithKeyPrefix(sc.Prefix))
		}
		return storeredis.New(client, storeOpts...), client.Close, nil

	case quotarouter.StoragePostgres:
		var storeOpts []storepg.Option
		if sc.Prefix != "" {
			storeOpts = append(storeOpts, storepg.WithTablePrefix(sc.Prefix))
		}
		s, err := storepg.Connect(ctx, sc.DSN, storeOpts...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}
