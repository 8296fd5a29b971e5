// Package matcher implements binding-pattern matching for routing keys.
// A pattern is a literal string with zero or more '*' wildcard tokens,
// each matching any (possibly empty) substring. Matching is greedy and
// anchored on both ends — equivalent to SQL LIKE with '*' in place of '%'.
package matcher

import "strings"

// Match reports whether routingKey satisfies binding pattern. An empty
// pattern matches only the empty key. A pattern of exactly "*" matches
// every key, including the empty one.
func Match(routingKey, pattern string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		// No wildcard: literal equality.
		return routingKey == pattern
	}

	rest := routingKey

	first := segments[0]
	if !strings.HasPrefix(rest, first) {
		return false
	}
	rest = rest[len(first):]

	last := segments[len(segments)-1]
	if !strings.HasSuffix(rest, last) {
		return false
	}
	rest = rest[:len(rest)-len(last)]

	// Middle segments must appear in order within what remains, greedily.
	middle := segments[1 : len(segments)-1]
	for _, seg := range middle {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}
	return true
}
