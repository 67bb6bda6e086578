package schema

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

func TestTask_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid task",
			task:    Task{ID: "t1", Text: "Write report", Status: StatusInProgress, CreatedAt: now},
			wantErr: false,
		},
		{
			name:    "missing id",
			task:    Task{Text: "Write report", Status: StatusTodo},
			wantErr: true,
			errMsg:  "invalid id",
		},
		{
			name:    "missing text",
			task:    Task{ID: "t1", Status: StatusTodo},
			wantErr: true,
			errMsg:  "invalid text",
		},
		{
			name:    "text too long",
			task:    Task{ID: "t1", Text: strings.Repeat("x", 501), Status: StatusTodo},
			wantErr: true,
			errMsg:  "500 characters or less",
		},
		{
			name:    "unknown status",
			task:    Task{ID: "t1", Text: "x", Status: "closed"},
			wantErr: true,
			errMsg:  "unknown status",
		},
		{
			name:    "self dependency",
			task:    Task{ID: "t1", Text: "x", Status: StatusTodo, Dependencies: []string{"t2", "t1"}},
			wantErr: true,
			errMsg:  "cannot depend on itself",
		},
		{
			name:    "bad recurrence interval",
			task:    Task{ID: "t1", Text: "x", Status: StatusTodo, Recurrence: &Recurrence{Unit: UnitWeekly}},
			wantErr: true,
			errMsg:  "recurrence.interval",
		},
		{
			name:    "bad due date",
			task:    Task{ID: "t1", Text: "x", Status: StatusTodo, DueDate: "2025-1-5"},
			wantErr: true,
			errMsg:  "dueDate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, syncerr.ErrValidation) {
				t.Errorf("expected validation error kind, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestTask_SetDefaults(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	task := Task{ID: "t1", Text: "x", ScopeID: " 42 ", AssignedTo: []string{"u1", "u1", " u2"}}
	task.SetDefaults(now)

	if task.Status != StatusTodo {
		t.Errorf("expected status todo, got %s", task.Status)
	}
	if !task.CreatedAt.Equal(now) {
		t.Errorf("expected createdAt %v, got %v", now, task.CreatedAt)
	}
	if task.ScopeID != "42" {
		t.Errorf("expected trimmed scope id, got %q", task.ScopeID)
	}
	if len(task.AssignedTo) != 2 {
		t.Errorf("expected 2 assignees, got %v", task.AssignedTo)
	}
	if len(Missing(task.Members, task.AssignedTo)) != 0 {
		t.Errorf("members %v should include assignees %v", task.Members, task.AssignedTo)
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := Task{ID: "t1", AssignedTo: []string{"u1"}, Recurrence: &Recurrence{Unit: UnitDaily, Interval: 1}}
	c := orig.Clone()
	c.AssignedTo[0] = "u9"
	c.Recurrence.OccurrenceCount = 5

	if orig.AssignedTo[0] != "u1" {
		t.Error("clone shares assignee slice")
	}
	if orig.Recurrence.OccurrenceCount != 0 {
		t.Error("clone shares recurrence")
	}
}

func TestTask_Overdue(t *testing.T) {
	task := Task{DueDate: "2025-01-09", Status: StatusTodo}
	if !task.Overdue("2025-01-10") {
		t.Error("expected task due yesterday to be overdue")
	}
	if task.Overdue("2025-01-09") {
		t.Error("task due today is not overdue")
	}
	task.Status = StatusDone
	if task.Overdue("2025-02-01") {
		t.Error("done task is never overdue")
	}
}

func TestProject_RequiredMembers(t *testing.T) {
	p := Project{ID: "p1", Members: []string{"u1", "u2"}, OwnerID: "owner"}
	got := p.RequiredMembers("actor")
	want := []string{"u1", "u2", "owner", "actor"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("RequiredMembers() = %v, want %v", got, want)
	}
}

func TestCheckCompletable(t *testing.T) {
	view := []Task{
		{ID: "dep-done", Status: StatusDone},
		{ID: "dep-open", Status: StatusInProgress},
	}

	task := Task{ID: "t1", Status: StatusTodo, Dependencies: []string{"dep-done", "dep-open", "dep-unknown"}}
	err := CheckCompletable(task, LookupIn(view))
	var blocked *syncerr.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if len(blocked.OpenDependencies) != 1 || blocked.OpenDependencies[0] != "dep-open" {
		t.Errorf("expected only dep-open to block, got %v", blocked.OpenDependencies)
	}

	task.Dependencies = []string{"dep-done"}
	task.Subtasks = []Subtask{{ID: "s1", Text: "a", Completed: true}, {ID: "s2", Text: "b"}}
	err = CheckCompletable(task, LookupIn(view))
	if !errors.As(err, &blocked) || len(blocked.OpenSubtasks) != 1 {
		t.Fatalf("expected one open subtask to block, got %v", err)
	}

	task.Subtasks[1].Completed = true
	if err := CheckCompletable(task, LookupIn(view)); err != nil {
		t.Errorf("expected completable task, got %v", err)
	}
}
