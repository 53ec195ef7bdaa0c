package meter

import "github.com/ineyio/quotarouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotarouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(quotarouter.RouteEvent)         {}
func (m *NoopMeter) OnResult(quotarouter.ResultEvent)       {}
func (m *NoopMeter) OnExhausted(quotarouter.ExhaustedEvent) {}
