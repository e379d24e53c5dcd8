// Package matcher implements the wildcard event-type matching rule shared
// by webhook fan-out, live stream subscriptions, and broadcast bridges.
// Keeping a single implementation guarantees identical filtering semantics
// for every consumer.
package matcher

import "strings"

// Matches reports whether a subscription pattern matches an event type.
// Three forms are supported:
//
//   - "*" matches every event type
//   - "prefix.*" (trailing star) matches any type starting with "prefix."
//   - anything else matches only the exact event type
func Matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == eventType
}

// MatchesAny reports whether any of the patterns matches the event type.
// An empty pattern list matches nothing.
func MatchesAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if Matches(p, eventType) {
			return true
		}
	}
	return false
}
