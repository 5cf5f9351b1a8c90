// Package strings provides helpers for the string lists that arrive from
// configuration and request bodies.
package strings

import (
	"strings"
)

// DedupeAndTrim trims every element and drops blanks and repeats. Order is
// preserved.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}
	return result
}

// ParseUnique runs parse over the trimmed, de-duplicated values. Values parse
// rejects are returned in rejected; parsed keeps the first occurrence of each
// distinct non-zero result, so two inputs that normalize alike count once.
func ParseUnique[T comparable](values []string, parse func(string) (T, error)) (parsed []T, rejected []string) {
	var zero T
	seen := make(map[T]struct{}, len(values))
	for _, v := range DedupeAndTrim(values) {
		p, err := parse(v)
		if err != nil {
			rejected = append(rejected, v)
			continue
		}
		if p == zero {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		parsed = append(parsed, p)
	}
	return parsed, rejected
}
