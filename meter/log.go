package meter

import (
	"log/slog"

	"github.com/ineyio/quotarouter"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotarouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e quotarouter.RouteEvent) {
	if e.Allowed {
		m.Logger.Info("route",
			"request_id", e.RequestID,
			"task", e.Task,
			"model", e.Model,
			"class", e.Class,
			"attempt", e.AttemptNum,
			"estimated_tokens", e.EstimatedIn,
		)
		return
	}
	m.Logger.Info("route_denied",
		"request_id", e.RequestID,
		"task", e.Task,
		"model", e.Model,
		"class", e.Class,
		"attempt", e.AttemptNum,
		"window", e.Window,
		"retry_after", e.RetryAfter,
	)
}

func (m *LogMeter) OnResult(e quotarouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"task", e.Task,
			"model", e.Model,
			"attempt", e.AttemptNum,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"task", e.Task,
			"model", e.Model,
			"attempt", e.AttemptNum,
			"duration_ms", e.Duration.Milliseconds(),
			"kind", e.Kind,
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnExhausted(e quotarouter.ExhaustedEvent) {
	m.Logger.Error("exhausted",
		"request_id", e.RequestID,
		"task", e.Task,
		"class", e.Class,
		"attempts", e.Attempts,
		"error", e.Err,
	)
}
