package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/quotarouter"
)

// ZapMeter logs routing events using zap.
type ZapMeter struct {
	Logger *zap.Logger
}

var _ quotarouter.Meter = (*ZapMeter)(nil)

// NewZapMeter creates a ZapMeter. A nil logger is replaced by zap.NewNop().
func NewZapMeter(logger *zap.Logger) *ZapMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapMeter{Logger: logger.Named("router")}
}

func (m *ZapMeter) OnRoute(e quotarouter.RouteEvent) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("task", e.Task),
		zap.String("model", e.Model.String()),
		zap.String("class", string(e.Class)),
		zap.Int("attempt", e.AttemptNum),
	}
	if !e.Allowed {
		fields = append(fields,
			zap.String("window", string(e.Window)),
			zap.Duration("retry_after", e.RetryAfter),
		)
		m.Logger.Info("route denied", fields...)
		return
	}
	fields = append(fields, zap.Int64("estimated_tokens", e.EstimatedIn))
	m.Logger.Debug("route", fields...)
}

func (m *ZapMeter) OnResult(e quotarouter.ResultEvent) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("task", e.Task),
		zap.String("model", e.Model.String()),
		zap.Int("attempt", e.AttemptNum),
		zap.Duration("duration", e.Duration),
	}
	if e.Success {
		fields = append(fields,
			zap.Int64("prompt_tokens", e.Usage.PromptTokens),
			zap.Int64("completion_tokens", e.Usage.CompletionTokens),
		)
		m.Logger.Info("result", fields...)
		return
	}
	fields = append(fields, zap.String("kind", string(e.Kind)), zap.Error(e.Error))
	m.Logger.Warn("result error", fields...)
}

func (m *ZapMeter) OnExhausted(e quotarouter.ExhaustedEvent) {
	m.Logger.Error("all candidates exhausted",
		zap.String("request_id", e.RequestID),
		zap.String("task", e.Task),
		zap.String("class", string(e.Class)),
		zap.Int("attempts", e.Attempts),
		zap.Error(e.Err),
	)
}
