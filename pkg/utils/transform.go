package utils

import (
	"slices"
	"strconv"
	"strings"
)

// Dedup normalises URLs (no trailing slash) and drops repeats, keeping first-seen order.
func Dedup(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimRight(u, "/")
		if u == "" || slices.Contains(out, u) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ParseIDs converts a list of decimal ids, skipping anything that does not parse or is not positive.
func ParseIDs(in []string) []int64 {
	out := make([]int64, 0, len(in))
	for _, s := range in {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		out = append(out, id)
	}
	return out
}
