package policy

import (
	"sort"

	"github.com/ineyio/quotarouter"
)

// HeadroomFirstPolicy ignores provider priority and puts the candidate with
// the most remaining quota first. Useful when one provider should not be
// drained ahead of the others.
type HeadroomFirstPolicy struct{}

var _ quotarouter.Policy = (*HeadroomFirstPolicy)(nil)

// Rank orders candidates by the smaller of minute and day headroom DESC,
// then by error rate ASC, then by most recent success.
func (p *HeadroomFirstPolicy) Rank(_ quotarouter.TaskCategory, candidates []quotarouter.Candidate) []quotarouter.Candidate {
	result := make([]quotarouter.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]

		hi := min(ci.MinuteHeadroom, ci.DayHeadroom)
		hj := min(cj.MinuteHeadroom, cj.DayHeadroom)
		if hi != hj {
			return hi > hj
		}
		if ci.ErrorRate != cj.ErrorRate {
			return ci.ErrorRate < cj.ErrorRate
		}
		if !ci.LastSuccess.Equal(cj.LastSuccess) {
			return ci.LastSuccess.After(cj.LastSuccess)
		}
		return ci.Model < cj.Model
	})

	return result
}
