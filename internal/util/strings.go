package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s. A negative maxLen yields "".
// Used to log a recognisable prefix of identifiers without the full value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScopes splits a space-delimited scope parameter (RFC 6749 section 3.3).
// Repeated spaces are ignored and duplicates are dropped, keeping first-seen order.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScopes joins scopes into the space-delimited wire form.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsAll reports whether every element of want is in have.
func ContainsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
