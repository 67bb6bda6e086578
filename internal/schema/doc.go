// Package schema defines the task data model for the sync engine.
//
// # Tasks
//
// A Task is the canonical, origin-independent view of one task. Tasks reach
// the engine from three sources, each modelled by its own record type:
//
//   - Optimistic: created or mutated locally, remote write not yet confirmed
//   - Persisted: delivered by a live query against the remote store
//   - External: an item of the linked calendar service, in its vocabulary
//
// All three convert to Task with View() at the merge boundary.
//
// # Documents
//
// In the remote store a task is a schemaless document:
//
//	{
//	  "scopeId": "42",
//	  "text": "Prepare invoice",
//	  "status": "todo",
//	  "assignedTo": ["u1"],
//	  "members": ["u1", "owner"],
//	  "dueDate": "2025-01-30",
//	  "createdAt": "2025-01-02T03:04:05Z",
//	  "createdBy": "u1"
//	}
//
// Older records store "scopeId" as a number. NormalizeScopeID is the single
// comparison boundary for every representation, and ScopeIDVariants lists the
// representations a query must cover.
//
// # Invariants
//
//   - members ⊇ assignedTo ∪ project members ∪ {project owner}
//   - dependencies never contain the task's own id
//   - a task with open subtasks or unfinished dependencies cannot be done
//     (CheckCompletable)
package schema
