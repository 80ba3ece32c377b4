// Package textutil shortens strings without splitting UTF-8 sequences.
package textutil

import "unicode/utf8"

const ellipsis = "..."

// Cut returns the longest prefix of s that fits in limit bytes and ends on a
// rune boundary.
func Cut(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// Truncate shortens s to at most limit bytes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= len(ellipsis) {
		return Cut(s, limit)
	}
	return Cut(s, limit-len(ellipsis)) + ellipsis
}
