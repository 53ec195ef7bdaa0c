package quotarouter

// RateLimit is a static per-model limit entry.
type RateLimit struct {
	PerMinute       int64 `yaml:"per_minute" json:"per_minute"`
	PerDay          int64 `yaml:"per_day" json:"per_day"`
	TokensPerMinute int64 `yaml:"tokens_per_minute" json:"tokens_per_minute,omitempty"`
}

// ProviderRateLimits holds the static limits of one provider. Default
// applies to listed models that have no entry of their own.
type ProviderRateLimits struct {
	Default RateLimit
	Models  map[string]RateLimit
}

// RateLimitTable maps provider names to their static limits.
type RateLimitTable map[string]ProviderRateLimits

// DefaultRateLimits is the static rate-limit table used when a provider's
// listing endpoint omits limits, and as the model list of providers without
// a listing endpoint. Figures are the free-tier limits of each provider.
var DefaultRateLimits = RateLimitTable{
	"groq": {
		Default: RateLimit{PerMinute: 30, PerDay: 1000},
		Models: map[string]RateLimit{
			"llama-3.3-70b-versatile": {PerMinute: 30, PerDay: 300, TokensPerMinute: 12000},
			"llama-3.1-70b-versatile": {PerMinute: 30, PerDay: 300, TokensPerMinute: 6000},
			"llama-3.1-8b-instant":    {PerMinute: 60, PerDay: 600, TokensPerMinute: 6000},
			"mixtral-8x7b-32768":      {PerMinute: 40, PerDay: 400, TokensPerMinute: 5000},
		},
	},
	"gemini": {
		Default: RateLimit{PerMinute: 10, PerDay: 250},
		Models: map[string]RateLimit{
			"gemini-1.5-flash": {PerMinute: 15, PerDay: 1500, TokensPerMinute: 1000000},
			"gemini-2.0-flash": {PerMinute: 15, PerDay: 500, TokensPerMinute: 1000000},
			"gemini-1.5-pro":   {PerMinute: 5, PerDay: 50, TokensPerMinute: 32000},
		},
	},
	"openrouter": {
		Default: RateLimit{PerMinute: 20, PerDay: 200},
		Models: map[string]RateLimit{
			"meta-llama/llama-3.2-3b-instruct:free": {PerMinute: 20, PerDay: 200},
			"google/gemma-2-9b-it:free":             {PerMinute: 20, PerDay: 200},
		},
	},
	"huggingface": {
		Default: RateLimit{PerMinute: 100, PerDay: 2400},
		Models: map[string]RateLimit{
			"HuggingFaceH4/zephyr-7b-beta": {PerMinute: 100, PerDay: 2400},
		},
	},
}

// Lookup returns the limit of a model: its own entry, else the provider
// default. ok is false for unknown providers.
func (t RateLimitTable) Lookup(provider, model string) (RateLimit, bool) {
	p, ok := t[provider]
	if !ok {
		return RateLimit{}, false
	}
	if l, ok := p.Models[model]; ok {
		return l, true
	}
	return p.Default, true
}

// StaticModels returns the models listed for a provider.
func (t RateLimitTable) StaticModels(provider string) map[string]RateLimit {
	return t[provider].Models
}

// Merge returns a copy of t with entries from other taking precedence.
func (t RateLimitTable) Merge(other RateLimitTable) RateLimitTable {
	out := make(RateLimitTable, len(t)+len(other))
	for name, p := range t {
		out[name] = p.copy()
	}
	for name, p := range other {
		cur, ok := out[name]
		if !ok {
			out[name] = p.copy()
			continue
		}
		if p.Default != (RateLimit{}) {
			cur.Default = p.Default
		}
		for m, l := range p.Models {
			cur.Models[m] = l
		}
		out[name] = cur
	}
	return out
}

func (p ProviderRateLimits) copy() ProviderRateLimits {
	c := ProviderRateLimits{Default: p.Default, Models: make(map[string]RateLimit, len(p.Models))}
	for m, l := range p.Models {
		c.Models[m] = l
	}
	return c
}

// DefaultProviderPriorities orders providers per task category. Simple
// tasks go to the fastest provider first; creative and analysis tasks go
// to the most capable first.
var DefaultProviderPriorities = map[TaskCategory][]string{
	CategorySimple:     {"groq", "openrouter", "gemini", "huggingface"},
	CategoryCreative:   {"gemini", "groq", "openrouter", "huggingface"},
	CategoryAnalysis:   {"gemini", "groq", "openrouter", "huggingface"},
	CategoryEvaluation: {"gemini", "groq", "openrouter", "huggingface"},
}
