package recurrence

import (
	"fmt"
	"testing"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/schema"
)

func newTestExpander() *Expander {
	n := 0
	return &Expander{
		NewID: func() string { n++; return fmt.Sprintf("gen-%d", n) },
		Now:   func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func TestNextDue(t *testing.T) {
	tests := []struct {
		from     schema.Date
		unit     schema.RecurrenceUnit
		interval int
		want     schema.Date
	}{
		{"2025-01-30", schema.UnitDaily, 3, "2025-02-02"},
		{"2025-01-30", schema.UnitWeekly, 1, "2025-02-06"},
		{"2025-01-30", schema.UnitMonthly, 1, "2025-02-28"},
		{"2024-01-31", schema.UnitMonthly, 1, "2024-02-29"},
		{"2025-02-28", schema.UnitMonthly, 1, "2025-03-28"},
		{"2025-10-31", schema.UnitMonthly, 2, "2025-12-31"},
		{"2025-12-15", schema.UnitMonthly, 1, "2026-01-15"},
		{"2024-02-29", schema.UnitYearly, 1, "2025-02-28"},
	}
	for _, tt := range tests {
		got, err := NextDue(tt.from, tt.unit, tt.interval)
		if err != nil {
			t.Fatalf("NextDue(%s, %s, %d) failed: %v", tt.from, tt.unit, tt.interval, err)
		}
		if got != tt.want {
			t.Errorf("NextDue(%s, %s, %d) = %s, want %s", tt.from, tt.unit, tt.interval, got, tt.want)
		}
	}
}

func TestExpand_MonthlyChainClamps(t *testing.T) {
	e := newTestExpander()
	task := schema.Task{
		ID: "t1", Text: "Rent", Status: schema.StatusDone, DueDate: "2025-01-30",
		Recurrence: &schema.Recurrence{Unit: schema.UnitMonthly, Interval: 1},
	}

	var dues []schema.Date
	for i := 0; i < 2; i++ {
		next, err := e.Expand(schema.StatusTodo, task)
		if err != nil || next == nil {
			t.Fatalf("Expand() = %v, %v", next, err)
		}
		dues = append(dues, next.DueDate)
		task = *next
		task.Status = schema.StatusDone
	}
	if dues[0] != "2025-02-28" || dues[1] != "2025-03-28" {
		t.Errorf("unexpected chain %v", dues)
	}
}

func TestExpand_OccurrenceLimit(t *testing.T) {
	e := newTestExpander()
	task := schema.Task{
		ID: "t1", Text: "Standup", Status: schema.StatusDone, DueDate: "2025-01-01",
		Recurrence: &schema.Recurrence{Unit: schema.UnitDaily, Interval: 1, OccurrenceLimit: 3},
	}

	spawned := 0
	for i := 0; i < 5; i++ {
		next, err := e.Expand(schema.StatusInProgress, task)
		if err != nil {
			t.Fatalf("Expand() failed: %v", err)
		}
		if next == nil {
			break
		}
		spawned++
		task = *next
		task.Status = schema.StatusDone
	}
	if spawned != 3 {
		t.Errorf("expected 3 follow-on tasks, got %d", spawned)
	}
	if task.Recurrence.OccurrenceCount != 3 {
		t.Errorf("expected count 3, got %d", task.Recurrence.OccurrenceCount)
	}
}

func TestExpand_NewTaskShape(t *testing.T) {
	e := newTestExpander()
	task := schema.Task{
		ID: "t1", ScopeID: "42", Text: "Review", Description: "weekly review", Status: schema.StatusDone,
		AssignedTo: []string{"u1"}, Members: []string{"u1", "boss"},
		Subtasks:   []schema.Subtask{{ID: "s1", Text: "inbox", Completed: true}},
		Recurrence: &schema.Recurrence{Unit: schema.UnitWeekly, Interval: 1},
	}
	next, err := e.Expand(schema.StatusTodo, task)
	if err != nil || next == nil {
		t.Fatalf("Expand() = %v, %v", next, err)
	}
	if next.ID == task.ID || next.ID != "gen-1" {
		t.Errorf("expected fresh id, got %s", next.ID)
	}
	if next.Status != schema.StatusTodo {
		t.Errorf("expected todo, got %s", next.Status)
	}
	// No due date: advance from today.
	if next.DueDate != "2025-06-22" {
		t.Errorf("expected due 2025-06-22, got %s", next.DueDate)
	}
	if next.Subtasks[0].Completed || !task.Subtasks[0].Completed {
		t.Error("subtasks should reset on the new task only")
	}
	if task.Recurrence.OccurrenceCount != 0 || next.Recurrence.OccurrenceCount != 1 {
		t.Error("occurrence count should advance on the new task only")
	}
	if next.ScopeID != "42" || len(next.Members) != 2 {
		t.Errorf("scope and members should be cloned, got %+v", next)
	}
}

func TestExpand_NoTrigger(t *testing.T) {
	e := newTestExpander()
	recurring := &schema.Recurrence{Unit: schema.UnitDaily, Interval: 1}

	tests := []struct {
		name string
		prev schema.Status
		task schema.Task
	}{
		{"already done", schema.StatusDone, schema.Task{ID: "t", Status: schema.StatusDone, Recurrence: recurring}},
		{"not completed", schema.StatusTodo, schema.Task{ID: "t", Status: schema.StatusInProgress, Recurrence: recurring}},
		{"not recurring", schema.StatusTodo, schema.Task{ID: "t", Status: schema.StatusDone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := e.Expand(tt.prev, tt.task)
			if err != nil || next != nil {
				t.Errorf("expected no follow-on, got %v, %v", next, err)
			}
		})
	}
}
