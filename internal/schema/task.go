// Package schema provides the task data model shared by every sync component.
package schema

import (
	"fmt"
	"slices"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Status is the workflow state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Origin tags where a task in the merged view came from.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginPersisted  Origin = "persisted"
	OriginExternal   Origin = "external"
)

// Subtask is a checklist item inside a task.
type Subtask struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// RecurrenceUnit is the calendar unit a recurring task advances by.
type RecurrenceUnit string

const (
	UnitDaily   RecurrenceUnit = "daily"
	UnitWeekly  RecurrenceUnit = "weekly"
	UnitMonthly RecurrenceUnit = "monthly"
	UnitYearly  RecurrenceUnit = "yearly"
)

// Recurrence describes a repeating task. OccurrenceLimit of 0 means unbounded.
type Recurrence struct {
	Unit            RecurrenceUnit `json:"unit"`
	Interval        int            `json:"interval"`
	OccurrenceLimit int            `json:"occurrenceLimit,omitempty"`
	OccurrenceCount int            `json:"occurrenceCount"`
}

// Validate checks the recurrence rule.
func (r *Recurrence) Validate() error {
	switch r.Unit {
	case UnitDaily, UnitWeekly, UnitMonthly, UnitYearly:
	default:
		return &syncerr.ValidationError{Field: "recurrence.unit", Reason: fmt.Sprintf("unknown unit %q", r.Unit)}
	}
	if r.Interval < 1 {
		return &syncerr.ValidationError{Field: "recurrence.interval", Reason: "must be at least 1"}
	}
	if r.OccurrenceLimit < 0 || r.OccurrenceCount < 0 {
		return &syncerr.ValidationError{Field: "recurrence", Reason: "counts cannot be negative"}
	}
	return nil
}

// Exhausted reports whether no further occurrences may be created.
func (r *Recurrence) Exhausted() bool {
	return r.OccurrenceLimit > 0 && r.OccurrenceCount >= r.OccurrenceLimit
}

// Task is the canonical view of a task, regardless of where it came from.
type Task struct {
	ID           string      `json:"id"`
	ScopeID      string      `json:"scopeId,omitempty"`
	Text         string      `json:"text"`
	Description  string      `json:"description,omitempty"`
	Status       Status      `json:"status"`
	AssignedTo   []string    `json:"assignedTo,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Subtasks     []Subtask   `json:"subtasks,omitempty"`
	Recurrence   *Recurrence `json:"recurrence,omitempty"`
	DueDate      Date        `json:"dueDate,omitempty"`
	Members      []string    `json:"members,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	CreatedBy    string      `json:"createdBy,omitempty"`
	Origin       Origin      `json:"origin"`

	// Set only for external tasks.
	ExternalID     string `json:"externalId,omitempty"`
	ExternalListID string `json:"externalListId,omitempty"`
}

// Validate checks the fields that must be correct before any network call.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &syncerr.ValidationError{Field: "id", Reason: "is required"}
	}
	if t.Text == "" {
		return &syncerr.ValidationError{Field: "text", Reason: "is required"}
	}
	if len(t.Text) > 500 {
		return &syncerr.ValidationError{Field: "text", Reason: fmt.Sprintf("must be 500 characters or less (got %d)", len(t.Text))}
	}
	if !t.Status.IsValid() {
		return &syncerr.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if slices.Contains(t.Dependencies, t.ID) {
		return &syncerr.ValidationError{Field: "dependencies", Reason: "task cannot depend on itself"}
	}
	for i, st := range t.Subtasks {
		if st.ID == "" {
			return &syncerr.ValidationError{Field: fmt.Sprintf("subtasks[%d].id", i), Reason: "is required"}
		}
	}
	if t.Recurrence != nil {
		if err := t.Recurrence.Validate(); err != nil {
			return err
		}
	}
	if t.DueDate != "" {
		if _, err := ParseDate(string(t.DueDate)); err != nil {
			return &syncerr.ValidationError{Field: "dueDate", Reason: err.Error()}
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	t.ScopeID = NormalizeScopeID(t.ScopeID)
	t.AssignedTo = NormalizeSet(t.AssignedTo)
	t.Dependencies = NormalizeSet(t.Dependencies)
	t.Members = Union(t.Members, t.AssignedTo...)
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	c.AssignedTo = slices.Clone(t.AssignedTo)
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Subtasks = slices.Clone(t.Subtasks)
	c.Members = slices.Clone(t.Members)
	if t.Recurrence != nil {
		r := *t.Recurrence
		c.Recurrence = &r
	}
	return c
}

// Overdue reports whether the task is unfinished and due before today.
func (t *Task) Overdue(today Date) bool {
	return t.DueDate != "" && t.Status != StatusDone && t.DueDate.Before(today)
}

// Project groups tasks and defines who can see them.
type Project struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	AreaID  string   `json:"areaId,omitempty"`
	Members []string `json:"members,omitempty"`
	OwnerID string   `json:"ownerId,omitempty"`
}

// RequiredMembers returns the visibility set every task in the project must
// include: members, owner and the given actor.
func (p *Project) RequiredMembers(actor string) []string {
	extra := []string{p.OwnerID}
	if actor != "" {
		extra = append(extra, actor)
	}
	return Union(p.Members, extra...)
}

// Area groups projects.
type Area struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}
