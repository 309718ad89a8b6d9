// Package utils provides small helpers shared by the HTTP layer that do
// not belong to any single domain concern.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int, returning def when s is empty or
// not a valid integer. Query parameters are passed through as-is, so
// leading or trailing whitespace also falls back to def.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampInt bounds v to the inclusive range [min, max].
func ClampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
