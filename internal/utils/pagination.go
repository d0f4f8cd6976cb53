// Package utils provides small helpers shared by the HTTP handlers.
package utils

import "strconv"

// MaxPageSize caps the page size accepted by list endpoints.
const MaxPageSize = 100

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Window returns the half-open range [start, end) of a page over total
// items. Negative offsets are treated as zero; limit is clamped to
// [1, MaxPageSize].
func Window(total, offset, limit int) (start, end int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	start = max(offset, 0)
	if start > total {
		start = total
	}
	end = min(start+limit, total)
	return start, end
}
