package schema

import "github.com/Mschirtzinger/tasksync/internal/syncerr"

// Lookup resolves a task id to the task currently in view.
type Lookup func(id string) (Task, bool)

// CheckCompletable returns a *syncerr.BlockedError if t cannot move to done:
// any incomplete subtask, or any dependency that resolves to a task that is
// not done. Dependencies that cannot be resolved do not block.
func CheckCompletable(t Task, lookup Lookup) error {
	blocked := &syncerr.BlockedError{TaskID: t.ID}
	for _, st := range t.Subtasks {
		if !st.Completed {
			blocked.OpenSubtasks = append(blocked.OpenSubtasks, st.ID)
		}
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID || lookup == nil {
			continue
		}
		other, ok := lookup(dep)
		if ok && other.Status != StatusDone {
			blocked.OpenDependencies = append(blocked.OpenDependencies, dep)
		}
	}
	if len(blocked.OpenSubtasks) == 0 && len(blocked.OpenDependencies) == 0 {
		return nil
	}
	return blocked
}

// LookupIn returns a Lookup over a task list. Earlier entries win.
func LookupIn(tasks []Task) Lookup {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, ok := byID[t.ID]; !ok {
			byID[t.ID] = t
		}
	}
	return func(id string) (Task, bool) {
		t, ok := byID[id]
		return t, ok
	}
}
