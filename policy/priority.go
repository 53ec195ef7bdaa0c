package policy

import (
	"github.com/ineyio/quotarouter"
)

// PriorityPolicy orders candidates by a per-category provider priority
// table. Categories missing from the table fall back to
// quotarouter.DefaultProviderPriorities.
type PriorityPolicy struct {
	Priorities map[quotarouter.TaskCategory][]string
}

var _ quotarouter.Policy = (*PriorityPolicy)(nil)

// NewPriorityPolicy creates a PriorityPolicy. A nil table uses the defaults
// for every category.
func NewPriorityPolicy(priorities map[quotarouter.TaskCategory][]string) *PriorityPolicy {
	return &PriorityPolicy{Priorities: priorities}
}

// Rank orders candidates by provider priority, then by headroom within a
// provider.
func (p *PriorityPolicy) Rank(category quotarouter.TaskCategory, candidates []quotarouter.Candidate) []quotarouter.Candidate {
	order, ok := p.Priorities[category]
	if !ok {
		order = quotarouter.DefaultProviderPriorities[category]
	}
	return quotarouter.RankByPriority(order, candidates)
}
