package quotarouter

import (
	"math"
	"time"
)

// WindowKind is the length of a rate-limit window.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowDay    WindowKind = "day"
)

// WindowKinds lists the window kinds in reservation order.
var WindowKinds = []WindowKind{WindowMinute, WindowDay}

// Valid reports whether k is a known window kind.
func (k WindowKind) Valid() bool {
	return k == WindowMinute || k == WindowDay
}

// Length returns the window length.
func (k WindowKind) Length() time.Duration {
	if k == WindowDay {
		return 24 * time.Hour
	}
	return time.Minute
}

// Align returns the start of the window containing t. Day windows start at
// UTC midnight.
func (k WindowKind) Align(t time.Time) time.Time {
	t = t.UTC()
	if k == WindowDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Minute)
}

// QuotaWindow is one counter of the ledger.
type QuotaWindow struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
	Limit int64     `json:"limit"`
}

// roll resets the window if now is at or past its end. It reports whether
// the window was reset.
func (w *QuotaWindow) roll(kind WindowKind, now time.Time) bool {
	if !w.Start.IsZero() && now.Before(w.Start.Add(kind.Length())) {
		return false
	}
	w.Start = kind.Align(now)
	w.Count = 0
	return true
}

func (w QuotaWindow) resetsAt(kind WindowKind) time.Time {
	return w.Start.Add(kind.Length())
}

// headroom returns the units class may still take from the window.
// Unlimited windows return math.MaxInt64.
func (w QuotaWindow) headroom(class Class, margin float64) int64 {
	if w.Limit <= 0 {
		return math.MaxInt64
	}
	ceiling := w.Limit
	if class == ClassAggressive {
		ceiling -= reservedUnits(w.Limit, margin)
	}
	if h := ceiling - w.Count; h > 0 {
		return h
	}
	return 0
}

// reservedUnits is the part of limit withheld from the aggressive class,
// rounded up so the aggressive ceiling never exceeds limit×(1−margin).
func reservedUnits(limit int64, margin float64) int64 {
	if limit <= 0 || margin <= 0 {
		return 0
	}
	if margin >= 1 {
		return limit
	}
	r := int64(math.Ceil(float64(limit)*margin - 1e-9))
	if r > limit {
		return limit
	}
	return r
}

// WindowSnapshot is a read-only view of a window. Available fields are -1
// for unlimited windows.
type WindowSnapshot struct {
	Kind                   WindowKind `json:"kind"`
	Start                  time.Time  `json:"start"`
	ResetsAt               time.Time  `json:"resets_at"`
	Count                  int64      `json:"count"`
	Limit                  int64      `json:"limit"`
	Reserved               int64      `json:"reserved"`
	Available              int64      `json:"available"`
	AvailableForAggressive int64      `json:"available_for_aggressive"`
}

func snapshotWindow(kind WindowKind, w QuotaWindow, margin float64, now time.Time) WindowSnapshot {
	w.roll(kind, now)
	s := WindowSnapshot{
		Kind:     kind,
		Start:    w.Start,
		ResetsAt: w.resetsAt(kind),
		Count:    w.Count,
		Limit:    w.Limit,
	}
	if w.Limit <= 0 {
		s.Available = -1
		s.AvailableForAggressive = -1
		return s
	}
	s.Reserved = reservedUnits(w.Limit, margin)
	s.Available = w.headroom(ClassProduction, margin)
	s.AvailableForAggressive = w.headroom(ClassAggressive, margin)
	return s
}

// QuotaSnapshot is the non-committing view of one model's quota. Count,
// Limit and AvailableForAggressive at the top level describe the minute
// window, except that AvailableForAggressive is also capped by the day
// window.
type QuotaSnapshot struct {
	Model                  ModelID        `json:"model"`
	Known                  bool           `json:"known"`
	Count                  int64          `json:"count"`
	Limit                  int64          `json:"limit"`
	AvailableForAggressive int64          `json:"available_for_aggressive"`
	Margin                 float64        `json:"margin"`
	Minute                 WindowSnapshot `json:"minute"`
	Day                    WindowSnapshot `json:"day"`
}

// Headroom returns the units class may still reserve across both windows,
// math.MaxInt64 if both are unlimited.
func (s QuotaSnapshot) Headroom(class Class) int64 {
	return min(s.Minute.headroom(class), s.Day.headroom(class))
}

// MinuteHeadroom returns the minute-window headroom for class.
func (s QuotaSnapshot) MinuteHeadroom(class Class) int64 {
	return s.Minute.headroom(class)
}

// DayHeadroom returns the day-window headroom for class.
func (s QuotaSnapshot) DayHeadroom(class Class) int64 {
	return s.Day.headroom(class)
}

func (w WindowSnapshot) headroom(class Class) int64 {
	v := w.Available
	if class == ClassAggressive {
		v = w.AvailableForAggressive
	}
	if v < 0 {
		return math.MaxInt64
	}
	return v
}

// suppressAggressive zeroes every surplus figure.
func (s QuotaSnapshot) suppressAggressive() QuotaSnapshot {
	s.AvailableForAggressive = 0
	s.Minute.AvailableForAggressive = 0
	s.Day.AvailableForAggressive = 0
	return s
}
