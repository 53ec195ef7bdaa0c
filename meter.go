package quotarouter

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called after a reservation attempt for a candidate.
	OnRoute(event RouteEvent)

	// OnResult is called when a provider call has finished.
	OnResult(event ResultEvent)

	// OnExhausted is called when a request ends HardFailed.
	OnExhausted(event ExhaustedEvent)
}

// RouteEvent describes a reservation attempt.
type RouteEvent struct {
	RequestID   string
	Task        string
	Model       ModelID
	Class       Class
	AttemptNum  int
	Allowed     bool
	RetryAfter  time.Duration
	Window      WindowKind
	EstimatedIn int64
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID  string
	Task       string
	Model      ModelID
	Class      Class
	AttemptNum int
	State      AttemptState
	Success    bool
	Duration   time.Duration
	Usage      Usage
	Kind       ErrorKind
	Error      error
}

// ExhaustedEvent describes a request for which every candidate failed.
type ExhaustedEvent struct {
	RequestID string
	Task      string
	Class     Class
	Attempts  int
	Err       error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnRoute(RouteEvent)         {}
func (m *noopMeter) OnResult(ResultEvent)       {}
func (m *noopMeter) OnExhausted(ExhaustedEvent) {}
