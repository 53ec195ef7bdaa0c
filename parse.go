package quotarouter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON returns the JSON document contained in a model response.
// Markdown code fences and prose around a single object or array are
// stripped. An error wraps ErrResponseUnparseable.
func ExtractJSON(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if fenced, ok := stripFence(s); ok {
		s = fenced
	}
	if json.Valid([]byte(s)) {
		return []byte(s), nil
	}

	start := strings.IndexAny(s, "{[")
	if start >= 0 {
		closer := byte('}')
		if s[start] == '[' {
			closer = ']'
		}
		if end := strings.LastIndexByte(s, closer); end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no valid JSON in %d bytes of output", ErrResponseUnparseable, len(content))
}

func stripFence(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return s, false
	}
	rest := s[open+3:]
	// Skip the language tag on the opening line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return s, false
	}
	return strings.TrimSpace(rest[:end]), true
}
