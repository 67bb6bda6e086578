package schema

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeSet trims ids, drops empties and duplicates, and keeps first
// occurrence order.
func NormalizeSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Union returns base with every id of more appended unless already present.
// base is never modified.
func Union(base []string, more ...string) []string {
	return NormalizeSet(append(slices.Clone(base), more...))
}

// Missing returns the ids of want that have is lacking.
func Missing(have, want []string) []string {
	var out []string
	for _, id := range NormalizeSet(want) {
		if !slices.Contains(have, id) {
			out = append(out, id)
		}
	}
	return out
}

// NormalizeTitle trims and case-folds a title for duplicate detection.
func NormalizeTitle(s string) string {
	// A Caser is stateful and cannot be shared between goroutines.
	return cases.Fold().String(strings.TrimSpace(s))
}
