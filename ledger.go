package quotarouter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const ledgerSchema = 1

// DefaultReservationMargin is the fraction of each limit withheld from the
// aggressive class unless configured otherwise.
const DefaultReservationMargin = 0.10

// Limits configures the windows of one model.
type Limits struct {
	PerMinute       int64
	PerDay          int64
	TokensPerMinute int64
	Margin          float64
}

// Reservation is one provisional unit taken from a window.
type Reservation struct {
	ID          string     `json:"id"`
	Model       ModelID    `json:"model"`
	Kind        WindowKind `json:"kind"`
	Class       Class      `json:"class"`
	WindowStart time.Time  `json:"window_start"`
}

// Decision is the result of a reservation attempt.
type Decision struct {
	Allowed      bool
	RetryAfter   time.Duration
	DeniedWindow WindowKind
	Reservations []Reservation
}

type ledgerState struct {
	Models map[ModelID]*modelQuota `json:"models"`
}

type modelQuota struct {
	Minute          QuotaWindow `json:"minute"`
	Day             QuotaWindow `json:"day"`
	Margin          float64     `json:"margin"`
	TokensPerMinute int64       `json:"tokens_per_minute,omitempty"`
}

func (q *modelQuota) window(kind WindowKind) *QuotaWindow {
	if kind == WindowDay {
		return &q.Day
	}
	return &q.Minute
}

func (s *ledgerState) model(id ModelID, margin float64) *modelQuota {
	if s.Models == nil {
		s.Models = make(map[ModelID]*modelQuota)
	}
	q, ok := s.Models[id]
	if !ok {
		q = &modelQuota{Margin: margin}
		s.Models[id] = q
	}
	return q
}

// Ledger owns the per-model minute and day counters. Every mutation is a
// single compare-and-swap of the whole ledger record, so separate processes
// sharing a RecordStore never hand out the same unit twice.
type Ledger struct {
	store         RecordStore
	now           func() time.Time
	defaultMargin float64
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock sets the clock used for window alignment.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithDefaultMargin sets the margin for models that were never given limits.
func WithDefaultMargin(margin float64) LedgerOption {
	return func(l *Ledger) { l.defaultMargin = margin }
}

// NewLedger creates a Ledger on top of store.
func NewLedger(store RecordStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:         store,
		now:           time.Now,
		defaultMargin: DefaultReservationMargin,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve takes one unit from a single window of a model.
func (l *Ledger) Reserve(ctx context.Context, id ModelID, kind WindowKind, class Class) (Decision, error) {
	if !kind.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown window kind %q", ErrInvalidRequest, kind)
	}
	return l.reserve(ctx, id, class, kind)
}

// ReserveAll takes one unit from the minute and the day window of a model
// in one atomic update. Either both windows are charged or neither is.
func (l *Ledger) ReserveAll(ctx context.Context, id ModelID, class Class) (Decision, error) {
	return l.reserve(ctx, id, class, WindowKinds...)
}

func (l *Ledger) reserve(ctx context.Context, id ModelID, class Class, kinds ...WindowKind) (Decision, error) {
	if !class.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown class %q", ErrInvalidRequest, class)
	}

	var dec Decision
	err := updateState(ctx, l.store, RecordQuotaLedger, ledgerSchema, l.now, func(s *ledgerState) (bool, error) {
		now := l.now()
		q := s.model(id, l.defaultMargin)
		dec = Decision{}

		for _, kind := range kinds {
			w := q.window(kind)
			w.roll(kind, now)
			if w.headroom(class, q.Margin) > 0 {
				continue
			}
			if wait := w.resetsAt(kind).Sub(now); wait > dec.RetryAfter {
				dec.RetryAfter = wait
				dec.DeniedWindow = kind
			}
		}
		if dec.DeniedWindow != "" {
			return false, nil
		}

		dec.Allowed = true
		for _, kind := range kinds {
			w := q.window(kind)
			w.Count++
			dec.Reservations = append(dec.Reservations, Reservation{
				ID:          uuid.New().String(),
				Model:       id,
				Kind:        kind,
				Class:       class,
				WindowStart: w.Start,
			})
		}
		return true, nil
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// Release returns provisional units. A reservation whose window has rolled
// over since it was taken is ignored.
func (l *Ledger) Release(ctx context.Context, reservations ...Reservation) error {
	if len(reservations) == 0 {
		return nil
	}
	return updateState(ctx, l.store, RecordQuotaLedger, ledgerSchema, l.now, func(s *ledgerState) (bool, error) {
		now := l.now()
		changed := false
		for _, res := range reservations {
			q, ok := s.Models[res.Model]
			if !ok {
				continue
			}
			w := q.window(res.Kind)
			if w.roll(res.Kind, now) {
				changed = true
				continue
			}
			if w.Start.Equal(res.WindowStart) && w.Count > 0 {
				w.Count--
				changed = true
			}
		}
		return changed, nil
	})
}

// SetLimits installs or updates limits and margins. Counters and window
// starts are preserved.
func (l *Ledger) SetLimits(ctx context.Context, limits map[ModelID]Limits) error {
	if len(limits) == 0 {
		return nil
	}
	return updateState(ctx, l.store, RecordQuotaLedger, ledgerSchema, l.now, func(s *ledgerState) (bool, error) {
		changed := false
		for id, lim := range limits {
			q := s.model(id, lim.Margin)
			if q.Minute.Limit == lim.PerMinute && q.Day.Limit == lim.PerDay &&
				q.Margin == lim.Margin && q.TokensPerMinute == lim.TokensPerMinute {
				continue
			}
			q.Minute.Limit = lim.PerMinute
			q.Day.Limit = lim.PerDay
			q.Margin = lim.Margin
			q.TokensPerMinute = lim.TokensPerMinute
			changed = true
		}
		return changed, nil
	})
}

// Peek returns a snapshot of a model without changing any counter.
func (l *Ledger) Peek(ctx context.Context, id ModelID) (QuotaSnapshot, error) {
	state, err := loadState[ledgerState](ctx, l.store, RecordQuotaLedger, ledgerSchema)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	return l.snapshot(id, state.Models[id], l.now()), nil
}

// PeekAll returns snapshots of every model the ledger knows.
func (l *Ledger) PeekAll(ctx context.Context) (map[ModelID]QuotaSnapshot, error) {
	state, err := loadState[ledgerState](ctx, l.store, RecordQuotaLedger, ledgerSchema)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := make(map[ModelID]QuotaSnapshot, len(state.Models))
	for id, q := range state.Models {
		out[id] = l.snapshot(id, q, now)
	}
	return out, nil
}

// Models returns the ids the ledger knows, sorted.
func (l *Ledger) Models(ctx context.Context) ([]ModelID, error) {
	all, err := l.PeekAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]ModelID, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Ledger) snapshot(id ModelID, q *modelQuota, now time.Time) QuotaSnapshot {
	known := q != nil
	if q == nil {
		q = &modelQuota{Margin: l.defaultMargin}
	}
	s := QuotaSnapshot{
		Model:  id,
		Known:  known,
		Margin: q.Margin,
		Minute: snapshotWindow(WindowMinute, q.Minute, q.Margin, now),
		Day:    snapshotWindow(WindowDay, q.Day, q.Margin, now),
	}
	s.Count = s.Minute.Count
	s.Limit = s.Minute.Limit
	s.AvailableForAggressive = s.Minute.AvailableForAggressive
	if d := s.Day.AvailableForAggressive; d >= 0 && (s.AvailableForAggressive < 0 || d < s.AvailableForAggressive) {
		s.AvailableForAggressive = d
	}
	return s
}
