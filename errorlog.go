package quotarouter

import (
	"context"
	"sort"
	"sync"
	"time"
)

const errorLogSchema = 1

const (
	DefaultErrorLogCapacity   = 500
	DefaultErrorLogFlushEvery = 5
	DefaultFrequentErrors     = 5
)

// Severity grades an error log entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorEntry is one logged failure.
type ErrorEntry struct {
	Time      time.Time         `json:"time"`
	Component string            `json:"component"`
	Severity  Severity          `json:"severity"`
	Kind      ErrorKind         `json:"kind"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// ErrorCount is one (component, kind) pair with its frequency.
type ErrorCount struct {
	Component string    `json:"component"`
	Kind      ErrorKind `json:"kind"`
	Count     int64     `json:"count"`
}

type errorLogState struct {
	Entries []ErrorEntry          `json:"entries"`
	Counts  map[string]ErrorCount `json:"counts"`
}

func errorCountKey(component string, kind ErrorKind) string {
	return component + "|" + string(kind)
}

// ErrorLog buffers error entries and flushes them in small batches to a
// bounded durable record. It does not influence routing.
type ErrorLog struct {
	store      RecordStore
	now        func() time.Time
	capacity   int
	flushEvery int

	mu      sync.Mutex
	pending []ErrorEntry
}

// ErrorLogOption configures an ErrorLog.
type ErrorLogOption func(*ErrorLog)

// WithErrorLogClock sets the clock used for entry timestamps.
func WithErrorLogClock(now func() time.Time) ErrorLogOption {
	return func(l *ErrorLog) { l.now = now }
}

// WithErrorLogCapacity sets how many of the most recent entries are kept.
func WithErrorLogCapacity(n int) ErrorLogOption {
	return func(l *ErrorLog) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithFlushEvery sets the batch size that triggers a flush.
func WithFlushEvery(n int) ErrorLogOption {
	return func(l *ErrorLog) {
		if n > 0 {
			l.flushEvery = n
		}
	}
}

// NewErrorLog creates an ErrorLog on top of store.
func NewErrorLog(store RecordStore, opts ...ErrorLogOption) *ErrorLog {
	l := &ErrorLog{
		store:      store,
		now:        time.Now,
		capacity:   DefaultErrorLogCapacity,
		flushEvery: DefaultErrorLogFlushEvery,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log appends an entry for err. The returned error is a flush failure; the
// entry stays buffered in that case.
func (l *ErrorLog) Log(ctx context.Context, err error, component string, severity Severity, fields map[string]string) error {
	if err == nil {
		return nil
	}
	e := ErrorEntry{
		Time:      l.now().UTC(),
		Component: component,
		Severity:  severity,
		Kind:      KindOf(err),
		Message:   err.Error(),
	}
	if len(fields) > 0 {
		e.Context = make(map[string]string, len(fields))
		for k, v := range fields {
			e.Context[k] = v
		}
	}

	l.mu.Lock()
	l.pending = append(l.pending, e)
	full := len(l.pending) >= l.flushEvery
	l.mu.Unlock()

	if full {
		return l.Flush(ctx)
	}
	return nil
}

// Flush writes buffered entries.
func (l *ErrorLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil
	}
	batch := l.pending
	err := updateState(ctx, l.store, RecordErrorLog, errorLogSchema, l.now, func(s *errorLogState) (bool, error) {
		if s.Counts == nil {
			s.Counts = make(map[string]ErrorCount)
		}
		for _, e := range batch {
			key := errorCountKey(e.Component, e.Kind)
			c := s.Counts[key]
			c.Component, c.Kind = e.Component, e.Kind
			c.Count++
			s.Counts[key] = c
		}
		s.Entries = append(s.Entries, batch...)
		if n := len(s.Entries); n > l.capacity {
			s.Entries = append([]ErrorEntry(nil), s.Entries[n-l.capacity:]...)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	l.pending = nil
	return nil
}

// Close flushes whatever is buffered.
func (l *ErrorLog) Close(ctx context.Context) error {
	return l.Flush(ctx)
}

// Entries returns the stored entries followed by buffered ones, oldest first.
func (l *ErrorLog) Entries(ctx context.Context) ([]ErrorEntry, error) {
	s, err := loadState[errorLogState](ctx, l.store, RecordErrorLog, errorLogSchema)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append(s.Entries, l.pending...)
	if n := len(out); n > l.capacity {
		out = out[n-l.capacity:]
	}
	return out, nil
}

// FrequentErrors returns the topN most frequent (component, kind) pairs,
// counting stored and buffered entries. topN <= 0 uses the default of 5.
func (l *ErrorLog) FrequentErrors(ctx context.Context, topN int) ([]ErrorCount, error) {
	if topN <= 0 {
		topN = DefaultFrequentErrors
	}
	s, err := loadState[errorLogState](ctx, l.store, RecordErrorLog, errorLogSchema)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]*ErrorCount, len(s.Counts))
	for key, c := range s.Counts {
		counts[key] = &c
	}

	l.mu.Lock()
	for _, e := range l.pending {
		key := errorCountKey(e.Component, e.Kind)
		c, ok := counts[key]
		if !ok {
			c = &ErrorCount{Component: e.Component, Kind: e.Kind}
			counts[key] = c
		}
		c.Count++
	}
	l.mu.Unlock()

	out := make([]ErrorCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}
