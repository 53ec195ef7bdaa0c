package quotarouter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider types understood by the CLI factory.
const (
	ProviderTypeOpenAICompat = "openai_compat"
	ProviderTypeGemini       = "gemini"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config is the top-level router configuration.
type Config struct {
	Providers         []ProviderConfig            `yaml:"providers"`
	ReservationMargin *float64                    `yaml:"reservation_margin"`
	Margins           map[ModelID]float64         `yaml:"margins"`
	Priorities        map[TaskCategory][]string   `yaml:"priorities"`
	FallbackModels    map[TaskCategory]ModelID    `yaml:"fallback_models"`
	Tasks             []TaskDecl                  `yaml:"tasks"`
	Storage           StorageConfig               `yaml:"storage"`
	ErrorLog          ErrorLogConfig              `yaml:"error_log"`
	Aggressive        AggressiveConfig            `yaml:"aggressive"`
	Catalog           CatalogConfig               `yaml:"catalog"`
	RateLimits        map[string]RateLimitsConfig `yaml:"rate_limits"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"`
	BaseURL string        `yaml:"base_url"`
	Auth    Auth          `yaml:"auth"`
	Models  []string      `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
	// FreeOnly keeps only free models from the listing endpoint.
	FreeOnly bool `yaml:"free_only"`
}

// RateLimitsConfig overrides the static table for one provider.
type RateLimitsConfig struct {
	Default RateLimit            `yaml:"default"`
	Models  map[string]RateLimit `yaml:"models"`
}

// StorageConfig selects the durable record store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a URL for redis and postgres.
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

// ErrorLogConfig bounds the error log.
type ErrorLogConfig struct {
	Capacity   int `yaml:"capacity"`
	FlushEvery int `yaml:"flush_every"`
}

// AggressiveConfig configures the aggressive-mode gate.
type AggressiveConfig struct {
	AutoDisableAfter *time.Duration `yaml:"auto_disable_after"`
}

// CatalogConfig configures model discovery.
type CatalogConfig struct {
	// RefreshInterval is how long a saved provider listing is trusted.
	// Zero means DefaultCatalogRefresh.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotarouter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data after ${VAR} expansion.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotarouter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Margin returns the configured default reservation margin.
func (c Config) Margin() float64 {
	if c.ReservationMargin == nil {
		return DefaultReservationMargin
	}
	return *c.ReservationMargin
}

// RateLimitTable returns the static table merged with config overrides.
func (c Config) RateLimitTable() RateLimitTable {
	if len(c.RateLimits) == 0 {
		return DefaultRateLimits
	}
	overrides := make(RateLimitTable, len(c.RateLimits))
	for name, rl := range c.RateLimits {
		overrides[name] = ProviderRateLimits{Default: rl.Default, Models: rl.Models}
	}
	return DefaultRateLimits.Merge(overrides)
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("quotarouter: config: at least one provider is required")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("quotarouter: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("quotarouter: config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		switch p.Type {
		case ProviderTypeOpenAICompat, ProviderTypeGemini, "":
		default:
			return fmt.Errorf("quotarouter: config: providers[%d] (%s): invalid type %q", i, p.Name, p.Type)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("quotarouter: config: providers[%d] (%s): negative timeout", i, p.Name)
		}
	}

	if m := c.Margin(); m < 0 || m >= 1 {
		return fmt.Errorf("quotarouter: config: reservation_margin %.2f outside [0, 1)", m)
	}
	for id, m := range c.Margins {
		if !id.Valid() {
			return fmt.Errorf("quotarouter: config: margins: invalid model id %q", id)
		}
		if m < 0 || m >= 1 {
			return fmt.Errorf("quotarouter: config: margins[%s]: %.2f outside [0, 1)", id, m)
		}
	}

	for cat := range c.Priorities {
		if !cat.Valid() {
			return fmt.Errorf("quotarouter: config: priorities: unknown category %q", cat)
		}
	}
	for cat, id := range c.FallbackModels {
		if !cat.Valid() {
			return fmt.Errorf("quotarouter: config: fallback_models: unknown category %q", cat)
		}
		if !id.Valid() {
			return fmt.Errorf("quotarouter: config: fallback_models[%s]: invalid model id %q", cat, id)
		}
	}

	tasks := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("quotarouter: config: tasks[%d]: name is required", i)
		}
		if tasks[t.Name] {
			return fmt.Errorf("quotarouter: config: duplicate task %q", t.Name)
		}
		tasks[t.Name] = true
		if t.Category != "" && !t.Category.Valid() {
			return fmt.Errorf("quotarouter: config: tasks[%d] (%s): unknown category %q", i, t.Name, t.Category)
		}
		if t.DefaultModel != "" && !t.DefaultModel.Valid() {
			return fmt.Errorf("quotarouter: config: tasks[%d] (%s): invalid default_model %q", i, t.Name, t.DefaultModel)
		}
	}

	switch c.Storage.Driver {
	case "", StorageMemory:
	case StorageSQLite, StorageRedis, StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("quotarouter: config: storage: dsn is required for %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("quotarouter: config: storage: unknown driver %q", c.Storage.Driver)
	}

	if c.ErrorLog.Capacity < 0 || c.ErrorLog.FlushEvery < 0 {
		return fmt.Errorf("quotarouter: config: error_log: negative bound")
	}
	if d := c.Aggressive.AutoDisableAfter; d != nil && *d < 0 {
		return fmt.Errorf("quotarouter: config: aggressive: negative auto_disable_after")
	}
	if c.Catalog.RefreshInterval < 0 {
		return fmt.Errorf("quotarouter: config: catalog: negative refresh_interval")
	}

	return nil
}
