// Package recurrence creates the next occurrence of a recurring task when the
// current one is completed.
package recurrence

import (
	"fmt"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/buffer"
	"github.com/Mschirtzinger/tasksync/internal/schema"
)

// Expander spawns follow-on tasks.
type Expander struct {
	// NewID returns the id of a spawned task. Defaults to buffer.NewID.
	NewID func() string
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// New returns an Expander with default id and time sources.
func New() *Expander {
	return &Expander{NewID: buffer.NewID, Now: time.Now}
}

// Triggers reports whether a transition from prev to next completes a task.
func Triggers(prev, next schema.Status) bool {
	return next == schema.StatusDone && (prev == schema.StatusTodo || prev == schema.StatusInProgress)
}

// Expand returns the next occurrence of task, which has just moved from prev
// to done. It returns nil when the transition is not a completion, the task
// does not recur, or its occurrence limit has been reached.
func (e *Expander) Expand(prev schema.Status, task schema.Task) (*schema.Task, error) {
	if !Triggers(prev, task.Status) || task.Recurrence == nil || task.Recurrence.Exhausted() {
		return nil, nil
	}
	if err := task.Recurrence.Validate(); err != nil {
		return nil, err
	}

	now := e.Now()
	from := task.DueDate
	if from == "" {
		from = schema.DateOf(now)
	}
	due, err := NextDue(from, task.Recurrence.Unit, task.Recurrence.Interval)
	if err != nil {
		return nil, err
	}

	next := task.Clone()
	next.ID = e.NewID()
	next.Status = schema.StatusTodo
	next.DueDate = due
	next.CreatedAt = now.UTC()
	next.Origin = schema.OriginOptimistic
	next.ExternalID = ""
	next.ExternalListID = ""
	for i := range next.Subtasks {
		next.Subtasks[i].Completed = false
	}
	next.Recurrence.OccurrenceCount++
	return &next, nil
}

// NextDue advances from by interval units. Month and year steps clamp to the
// last day of the target month, so 2025-01-30 plus one month is 2025-02-28.
func NextDue(from schema.Date, unit schema.RecurrenceUnit, interval int) (schema.Date, error) {
	t, err := from.Time()
	if err != nil {
		return "", fmt.Errorf("failed to parse due date: %w", err)
	}
	switch unit {
	case schema.UnitDaily:
		t = t.AddDate(0, 0, interval)
	case schema.UnitWeekly:
		t = t.AddDate(0, 0, 7*interval)
	case schema.UnitMonthly:
		t = addMonthsClamped(t, interval)
	case schema.UnitYearly:
		t = addMonthsClamped(t, 12*interval)
	default:
		return "", fmt.Errorf("unknown recurrence unit %q", unit)
	}
	return schema.DateOf(t), nil
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
