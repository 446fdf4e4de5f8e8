// Package strings normalizes user-supplied string lists.
package strings

import (
	"slices"
	"strings"
)

// Unique trims each value, drops blanks and keeps the first occurrence of
// every remaining value in input order.
func Unique(values []string) []string {
	return UniqueFunc(values, strings.TrimSpace)
}

// UniqueFunc is Unique with a caller-chosen normalization. Values that
// normalize to "" are dropped.
func UniqueFunc(values []string, normalize func(string) string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = normalize(v); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// SplitList parses a comma-separated setting such as "a, b,,a" into [a b].
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return Unique(strings.Split(s, ","))
}
