package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

func TestNormalizeScopeID(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"42", "42"},
		{" 42 ", "42"},
		{42, "42"},
		{int64(42), "42"},
		{float64(42), "42"},
		{json.Number("42"), "42"},
		{"abc", "abc"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := NormalizeScopeID(tt.in); got != tt.want {
			t.Errorf("NormalizeScopeID(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScopeIDVariants(t *testing.T) {
	got := ScopeIDVariants("42")
	if diff := cmp.Diff([]any{"42", int64(42)}, got); diff != "" {
		t.Errorf("variants mismatch (-want +got):\n%s", diff)
	}

	if got := ScopeIDVariants("p-1"); len(got) != 1 {
		t.Errorf("non-numeric id should have one variant, got %v", got)
	}
	if got := ScopeIDVariants("007"); len(got) != 1 {
		t.Errorf("zero-padded id is not a canonical integer, got %v", got)
	}
	if got := ScopeIDVariants(""); got != nil {
		t.Errorf("empty id should have no variants, got %v", got)
	}
}

func TestScopeKey(t *testing.T) {
	if ProjectScope(42).Key() != ProjectScope("42").Key() {
		t.Error("numeric and string project scopes should share a cache key")
	}
	if UserScope("u1").Key() != "user:u1" {
		t.Errorf("unexpected key %s", UserScope("u1").Key())
	}
}

func TestParseScope(t *testing.T) {
	for _, in := range []string{"project:42", "user:u1", " area:a1 "} {
		got, err := ParseScope(in)
		if err != nil {
			t.Fatalf("ParseScope(%q) failed: %v", in, err)
		}
		if got.Key() != strings.TrimSpace(in) {
			t.Errorf("ParseScope(%q).Key() = %q", in, got.Key())
		}
	}
	for _, in := range []string{"p1", "project:", "team:t1"} {
		if _, err := ParseScope(in); !errors.Is(err, syncerr.ErrValidation) {
			t.Errorf("ParseScope(%q) = %v, want validation error", in, err)
		}
	}
}

func TestTaskFields_RoundTrip(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	task := Task{
		ID:           "t1",
		ScopeID:      "42",
		Text:         "Ship it",
		Status:       StatusInProgress,
		AssignedTo:   []string{"u1"},
		Dependencies: []string{"t0"},
		Subtasks:     []Subtask{{ID: "s1", Text: "a", Completed: true}},
		Recurrence:   &Recurrence{Unit: UnitMonthly, Interval: 1, OccurrenceLimit: 3, OccurrenceCount: 1},
		DueDate:      "2025-01-30",
		Members:      []string{"u1", "owner"},
		CreatedAt:    created,
		CreatedBy:    "u1",
		Origin:       OriginPersisted,
	}

	got, err := TaskFromFields("t1", task.Fields())
	if err != nil {
		t.Fatalf("failed to decode fields: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskFromFields_NumericScope(t *testing.T) {
	fields := map[string]any{"scopeId": 42, "text": "legacy", "status": "todo"}
	task, err := TaskFromFields("t1", fields)
	if err != nil {
		t.Fatalf("failed to decode legacy task: %v", err)
	}
	if task.ScopeID != "42" {
		t.Errorf("expected scope 42, got %q", task.ScopeID)
	}

	// JSON-decoded documents carry float64.
	var fromJSON map[string]any
	if err := json.Unmarshal([]byte(`{"scopeId": 42, "text": "legacy"}`), &fromJSON); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	task, err = TaskFromFields("t1", fromJSON)
	if err != nil {
		t.Fatalf("failed to decode json task: %v", err)
	}
	if task.ScopeID != "42" || task.Status != StatusTodo {
		t.Errorf("unexpected decode: scope=%q status=%q", task.ScopeID, task.Status)
	}
}

func TestExternalView(t *testing.T) {
	ext := External{ListID: "L1", ItemID: "i1", Title: "Call bank", Status: "completed", ScopeID: "p1"}
	v := ext.View()
	if v.Status != StatusDone || v.Origin != OriginExternal {
		t.Errorf("unexpected view %+v", v)
	}
	if v.ID != "ext:L1:i1" {
		t.Errorf("unexpected id %s", v.ID)
	}
	if StatusFromExternal("needsAction") != StatusTodo || StatusFromExternal("weird") != StatusTodo {
		t.Error("non-completed external statuses map to todo")
	}
	if ExternalStatusFor(StatusInProgress) != ExternalNeedsAction {
		t.Error("in_progress maps back to needsAction")
	}
}

func TestNormalizeTitle(t *testing.T) {
	if NormalizeTitle("  Buy MILK ") != NormalizeTitle("buy milk") {
		t.Error("titles differing by case and whitespace should normalize equal")
	}
	if NormalizeTitle("Straße") != NormalizeTitle("STRASSE") {
		t.Error("case folding should fold ß")
	}
}
