// Package merge composes the task view from its three sources.
package merge

import (
	"sort"

	"github.com/Mschirtzinger/tasksync/internal/schema"
)

// Sources are the inputs of one view.
type Sources struct {
	// Optimistic tasks in buffer order.
	Optimistic []schema.Task
	// Persisted tasks as delivered by the subscription, possibly with
	// duplicates from overlapping streams.
	Persisted []schema.Task
	// External tasks from the calendar bridge.
	External []schema.Task
	// Hidden ids are pending deletes and are removed from every list.
	Hidden []string
}

// Merge returns the view of optimistic, persisted and external tasks.
//
// Every id appears at most once. Optimistic entries come first in buffer
// order and win over a persisted or external task with the same id.
// Persisted tasks follow, newest first. External tasks come last, sorted by
// title, and are dropped when a persisted task has the same normalized title.
// The result depends only on its inputs.
func Merge(optimistic, persisted, external []schema.Task) []schema.Task {
	return Sources{Optimistic: optimistic, Persisted: persisted, External: external}.View()
}

// View returns the merged view of s.
func (s Sources) View() []schema.Task {
	hidden := make(map[string]bool, len(s.Hidden))
	for _, id := range s.Hidden {
		hidden[id] = true
	}

	seen := make(map[string]bool)
	out := make([]schema.Task, 0, len(s.Optimistic)+len(s.Persisted)+len(s.External))

	for _, t := range s.Optimistic {
		if hidden[t.ID] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		t = t.Clone()
		t.Origin = schema.OriginOptimistic
		out = append(out, t)
	}

	persisted := dedupPersisted(s.Persisted)
	titles := make(map[string]bool, len(persisted))
	for _, t := range persisted {
		titles[schema.NormalizeTitle(t.Text)] = true
		if hidden[t.ID] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}

	for _, t := range dedupExternal(s.External) {
		if hidden[t.ID] || seen[t.ID] || titles[schema.NormalizeTitle(t.Text)] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

// dedupPersisted keeps the last copy of each id, normalizes scope ids and
// sorts newest first.
func dedupPersisted(tasks []schema.Task) []schema.Task {
	byID := make(map[string]schema.Task, len(tasks))
	for _, t := range tasks {
		t = t.Clone()
		t.ScopeID = schema.NormalizeScopeID(t.ScopeID)
		t.Origin = schema.OriginPersisted
		byID[t.ID] = t
	}
	out := make([]schema.Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// dedupExternal keeps one task per id, sorted by title then id. Distinct
// external items with the same title are all kept.
func dedupExternal(tasks []schema.Task) []schema.Task {
	sorted := make([]schema.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := schema.NormalizeTitle(sorted[i].Text), schema.NormalizeTitle(sorted[j].Text)
		if ti != tj {
			return ti < tj
		}
		return sorted[i].ID < sorted[j].ID
	})

	ids := make(map[string]bool, len(sorted))
	out := make([]schema.Task, 0, len(sorted))
	for _, t := range sorted {
		if ids[t.ID] {
			continue
		}
		ids[t.ID] = true
		t = t.Clone()
		t.Origin = schema.OriginExternal
		out = append(out, t)
	}
	return out
}
