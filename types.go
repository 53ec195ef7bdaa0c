package quotarouter

import (
	"encoding/json"
	"strings"
	"time"
)

// ModelID identifies a provider model as "provider:model".
type ModelID string

// NewModelID joins a provider name and a provider-local model id.
func NewModelID(provider, model string) ModelID {
	return ModelID(provider + ":" + model)
}

// Provider returns the provider part of the id.
func (id ModelID) Provider() string {
	p, _, _ := strings.Cut(string(id), ":")
	return p
}

// Model returns the provider-local model id. Model ids may themselves
// contain colons (e.g. "meta-llama/llama-3.2-3b-instruct:free").
func (id ModelID) Model() string {
	_, m, ok := strings.Cut(string(id), ":")
	if !ok {
		return ""
	}
	return m
}

// Valid reports whether both parts of the id are non-empty.
func (id ModelID) Valid() bool {
	return id.Provider() != "" && id.Model() != ""
}

func (id ModelID) String() string { return string(id) }

// Class is the consumer class of a request.
type Class string

const (
	// ClassProduction may use a model's full limit.
	ClassProduction Class = "production"
	// ClassAggressive is kept out of the reservation margin and is gated.
	ClassAggressive Class = "aggressive"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	return c == ClassProduction || c == ClassAggressive
}

// TaskCategory groups tasks with similar routing needs.
type TaskCategory string

const (
	CategoryCreative   TaskCategory = "creative"
	CategoryEvaluation TaskCategory = "evaluation"
	CategorySimple     TaskCategory = "simple"
	CategoryAnalysis   TaskCategory = "analysis"
)

// Categories lists all task categories in a stable order.
var Categories = []TaskCategory{CategoryCreative, CategoryEvaluation, CategorySimple, CategoryAnalysis}

// Valid reports whether c is a known category.
func (c TaskCategory) Valid() bool {
	switch c {
	case CategoryCreative, CategoryEvaluation, CategorySimple, CategoryAnalysis:
		return true
	}
	return false
}

// Complexity is the coarse effort level of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one logical generation request from the pipeline.
type Request struct {
	// Task names the task profile the request belongs to.
	Task     string    `json:"task"`
	Messages []Message `json:"messages"`
	Class    Class     `json:"class,omitempty"`

	// ExpectJSON makes a response that is not valid JSON a soft failure.
	ExpectJSON bool `json:"expect_json,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// Score, when set, rates a successful output on a 0..10 scale.
	Score func(content string) (float64, bool) `json:"-"`
}

// Output is the result of a successful request.
type Output struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	JSON         json.RawMessage `json:"json,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        Usage           `json:"usage"`
	Routing      RoutingInfo     `json:"routing"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RoutingInfo describes which model served the request.
type RoutingInfo struct {
	RequestID string        `json:"request_id"`
	Task      string        `json:"task"`
	Model     ModelID       `json:"model"`
	Chain     []ModelID     `json:"chain"`
	Attempts  int           `json:"attempts"`
	Latency   time.Duration `json:"latency"`
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
