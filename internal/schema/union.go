package schema

import "fmt"

// Record is one task as delivered by a single source. Each origin carries
// only the fields valid for it; View converts to the canonical Task at the
// merge boundary.
type Record interface {
	View() Task
	origin() Origin
}

// Optimistic is a locally originated task whose remote write is unconfirmed.
type Optimistic struct {
	Task Task
}

// View returns the task tagged optimistic.
func (o Optimistic) View() Task {
	t := o.Task.Clone()
	t.Origin = OriginOptimistic
	t.ExternalID, t.ExternalListID = "", ""
	return t
}

func (Optimistic) origin() Origin { return OriginOptimistic }

// Persisted is a task confirmed by the authoritative store.
type Persisted struct {
	Task Task
}

// View returns the task tagged persisted.
func (p Persisted) View() Task {
	t := p.Task.Clone()
	t.Origin = OriginPersisted
	t.ExternalID, t.ExternalListID = "", ""
	return t
}

func (Persisted) origin() Origin { return OriginPersisted }

// External is an item of the linked calendar service, in its own vocabulary.
type External struct {
	ListID string
	ItemID string
	Title  string
	Notes  string
	Status string // external vocabulary, e.g. "needsAction" or "completed"
	Due    Date
	// ScopeID is the internal project the external list is linked to.
	ScopeID string
}

// View maps the external item onto a Task.
func (e External) View() Task {
	return Task{
		ID:             ExternalTaskID(e.ListID, e.ItemID),
		ScopeID:        e.ScopeID,
		Text:           e.Title,
		Description:    e.Notes,
		Status:         StatusFromExternal(e.Status),
		DueDate:        e.Due,
		Origin:         OriginExternal,
		ExternalID:     e.ItemID,
		ExternalListID: e.ListID,
	}
}

func (External) origin() Origin { return OriginExternal }

// External status vocabulary.
const (
	ExternalCompleted   = "completed"
	ExternalNeedsAction = "needsAction"
)

// StatusFromExternal maps "completed" to done and anything else to todo.
func StatusFromExternal(s string) Status {
	if s == ExternalCompleted {
		return StatusDone
	}
	return StatusTodo
}

// ExternalStatusFor maps a task status back to the external vocabulary.
func ExternalStatusFor(s Status) string {
	if s == StatusDone {
		return ExternalCompleted
	}
	return ExternalNeedsAction
}

// ExternalTaskID returns the view id of an external item.
func ExternalTaskID(listID, itemID string) string {
	return fmt.Sprintf("ext:%s:%s", listID, itemID)
}

// Views converts records to tasks in order.
func Views[R Record](records []R) []Task {
	out := make([]Task, 0, len(records))
	for _, r := range records {
		out = append(out, r.View())
	}
	return out
}
