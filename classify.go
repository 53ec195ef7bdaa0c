package quotarouter

import "strings"

// categoryKeywords drive ClassifyTask. Order matters only for ties, which
// resolve to the earlier category.
var categoryKeywords = []struct {
	category TaskCategory
	keywords []string
}{
	{CategoryCreative, []string{"topic", "content", "hook", "voiceover", "cta", "script",
		"generation", "viral", "engagement", "reply", "series"}},
	{CategoryEvaluation, []string{"evaluation", "evaluate", "quality", "score", "check",
		"gate", "velocity", "validate", "assessment"}},
	{CategorySimple, []string{"hashtag", "keyword", "seo", "description", "broll",
		"thumbnail", "sentiment", "tag", "metadata"}},
	{CategoryAnalysis, []string{"analysis", "analytics", "trend", "strategy", "growth",
		"competitor", "deep", "insight", "correlation", "pattern"}},
}

// ClassifyTask guesses a category from a task name by keyword matches.
// Names without any match are simple.
func ClassifyTask(name string) TaskCategory {
	lower := strings.ToLower(name)
	best, bestScore := CategorySimple, 0
	for _, ck := range categoryKeywords {
		score := 0
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = ck.category, score
		}
	}
	return best
}

// DefaultComplexity maps a category to its usual complexity.
func DefaultComplexity(c TaskCategory) Complexity {
	switch c {
	case CategorySimple:
		return ComplexityLow
	case CategoryEvaluation:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// DefaultMaxTokens is the completion budget used when a request sets none.
func DefaultMaxTokens(c TaskCategory) int {
	switch c {
	case CategoryCreative:
		return 2000
	case CategoryEvaluation, CategoryAnalysis:
		return 1500
	default:
		return 500
	}
}

// EstimateTokens approximates the prompt size of messages at four
// characters per token, plus per-message framing and a fixed request
// overhead.
func EstimateTokens(messages []Message) int64 {
	const charsPerToken, perMessage, perRequest = 4, 4, 3
	n := int64(perRequest)
	for _, m := range messages {
		n += int64(len(m.Content))/charsPerToken + perMessage
	}
	return n
}
