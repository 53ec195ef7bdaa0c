package quotarouter

import (
	"context"
	"fmt"
)

// chainPlan is a fallback chain with the profile it was built for.
type chainPlan struct {
	profile TaskProfile
	chain   []ModelID
}

// BuildChain returns the ordered fallback chain for a task. It only reads
// quota state; nothing is reserved.
func (r *Router) BuildChain(ctx context.Context, task string, class Class) ([]ModelID, error) {
	if class == "" {
		class = ClassProduction
	}
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown class %q", ErrInvalidRequest, class)
	}
	if class == ClassAggressive {
		on, err := r.gate.IsEnabled(ctx)
		if err != nil {
			return nil, err
		}
		if !on {
			return nil, ErrAggressiveModeDisabled
		}
	}
	if err := r.ensureCatalog(ctx); err != nil {
		return nil, err
	}
	plan, err := r.plan(ctx, task, class)
	if err != nil {
		return nil, err
	}
	return plan.chain, nil
}

func (r *Router) plan(ctx context.Context, task string, class Class) (chainPlan, error) {
	profile, err := r.registry.GetProfile(ctx, task)
	if err != nil {
		return chainPlan{}, err
	}
	snaps, err := r.ledger.PeekAll(ctx)
	if err != nil {
		return chainPlan{}, err
	}
	history, err := r.registry.ModelHistory(ctx)
	if err != nil {
		return chainPlan{}, err
	}

	now := r.now()
	var candidates []Candidate
	for _, m := range r.catalog.Models() {
		prov, ok := r.providers[m.Provider]
		if !ok || !prov.SupportsModel(m.Model) {
			continue
		}
		snap, ok := snaps[m.ID]
		if !ok {
			snap = r.ledger.snapshot(m.ID, nil, now)
		}
		if snap.Headroom(class) == 0 {
			continue
		}
		health := r.health.GetHealth(m.ID)
		if health == HealthUnhealthy {
			continue
		}
		h := history[m.ID]
		candidates = append(candidates, Candidate{
			Model:          m.ID,
			Provider:       m.Provider,
			MinuteHeadroom: snap.MinuteHeadroom(class),
			DayHeadroom:    snap.DayHeadroom(class),
			ErrorRate:      h.ErrorRate(),
			LastSuccess:    h.LastSuccess,
			DiscoveredAt:   m.DiscoveredAt,
			Health:         health,
		})
	}

	ranked := r.policy.Rank(profile.Category, candidates)

	chain := make([]ModelID, 0, len(ranked)+1)
	seen := make(map[ModelID]bool, len(ranked)+1)
	if profile.BestModel != "" {
		for _, c := range candidates {
			if c.Model == profile.BestModel {
				chain = append(chain, c.Model)
				seen[c.Model] = true
				break
			}
		}
	}
	for _, c := range ranked {
		if seen[c.Model] {
			continue
		}
		seen[c.Model] = true
		chain = append(chain, c.Model)
	}

	return chainPlan{profile: profile, chain: chain}, nil
}
