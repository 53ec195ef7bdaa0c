package quotarouter

import (
	"sort"
	"time"
)

// Policy orders the candidates of a chain.
type Policy interface {
	// Rank orders candidates for a task category, best first.
	Rank(category TaskCategory, candidates []Candidate) []Candidate
}

// Candidate is a model that may serve a request.
type Candidate struct {
	Model          ModelID
	Provider       string
	MinuteHeadroom int64
	DayHeadroom    int64
	ErrorRate      float64
	LastSuccess    time.Time
	DiscoveredAt   time.Time
	Health         HealthState
}

// HealthState describes the health of a model.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// RankByPriority orders candidates by the position of their provider in
// order (unlisted providers last, by name), then within a provider by
// greatest minute headroom, lowest error rate, most recent discovery and
// finally id. The input slice is not modified.
func RankByPriority(order []string, candidates []Candidate) []Candidate {
	rank := make(map[string]int, len(order))
	for i, p := range order {
		if _, ok := rank[p]; !ok {
			rank[p] = i
		}
	}
	pos := func(p string) int {
		if r, ok := rank[p]; ok {
			return r
		}
		return len(order)
	}

	result := make([]Candidate, len(candidates))
	copy(result, candidates)
	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]
		if pi, pj := pos(ci.Provider), pos(cj.Provider); pi != pj {
			return pi < pj
		}
		if ci.Provider != cj.Provider {
			return ci.Provider < cj.Provider
		}
		return withinProvider(ci, cj)
	})
	return result
}

// withinProvider is the ordering of two candidates of the same provider.
func withinProvider(ci, cj Candidate) bool {
	if ci.MinuteHeadroom != cj.MinuteHeadroom {
		return ci.MinuteHeadroom > cj.MinuteHeadroom
	}
	if ci.ErrorRate != cj.ErrorRate {
		return ci.ErrorRate < cj.ErrorRate
	}
	if !ci.DiscoveredAt.Equal(cj.DiscoveredAt) {
		return ci.DiscoveredAt.After(cj.DiscoveredAt)
	}
	return ci.Model < cj.Model
}

// priorityPolicy is the inline default policy to avoid import cycles.
type priorityPolicy struct {
	priorities map[TaskCategory][]string
}

func (p *priorityPolicy) Rank(category TaskCategory, candidates []Candidate) []Candidate {
	order, ok := p.priorities[category]
	if !ok {
		order = DefaultProviderPriorities[category]
	}
	return RankByPriority(order, candidates)
}
