package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Collections and field names used in the remote document store.
const (
	CollectionTasks    = "tasks"
	CollectionProjects = "projects"
	CollectionAreas    = "areas"

	FieldScopeID      = "scopeId"
	FieldText         = "text"
	FieldDescription  = "description"
	FieldStatus       = "status"
	FieldAssignedTo   = "assignedTo"
	FieldDependencies = "dependencies"
	FieldSubtasks     = "subtasks"
	FieldRecurrence   = "recurrence"
	FieldDueDate      = "dueDate"
	FieldMembers      = "members"
	FieldCreatedAt    = "createdAt"
	FieldCreatedBy    = "createdBy"
	FieldName         = "name"
	FieldAreaID       = "areaId"
	FieldOwnerID      = "ownerId"
)

// ScopeKind is the query dimension bounding a subscription.
type ScopeKind string

const (
	ScopeProject ScopeKind = "project"
	ScopeUser    ScopeKind = "user"
	ScopeArea    ScopeKind = "area"
)

// Scope identifies the set of tasks a view shows.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// ProjectScope returns the scope of every task in a project.
func ProjectScope(id any) Scope { return Scope{Kind: ScopeProject, ID: NormalizeScopeID(id)} }

// UserScope returns the scope of every task assigned to a user.
func UserScope(uid string) Scope { return Scope{Kind: ScopeUser, ID: NormalizeScopeID(uid)} }

// AreaScope returns the scope of every task in the projects of an area.
func AreaScope(id any) Scope { return Scope{Kind: ScopeArea, ID: NormalizeScopeID(id)} }

// IsZero reports whether no scope is selected.
func (s Scope) IsZero() bool { return s.Kind == "" || s.ID == "" }

// Key returns the mirror cache key for the scope.
func (s Scope) Key() string { return fmt.Sprintf("%s:%s", s.Kind, s.ID) }

func (s Scope) String() string { return s.Key() }

// ParseScope parses the "kind:id" form returned by Key.
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || NormalizeScopeID(id) == "" {
		return Scope{}, &syncerr.ValidationError{Field: "scope", Reason: fmt.Sprintf("%q is not of the form kind:id", s)}
	}
	switch ScopeKind(kind) {
	case ScopeProject:
		return ProjectScope(id), nil
	case ScopeUser:
		return UserScope(id), nil
	case ScopeArea:
		return AreaScope(id), nil
	}
	return Scope{}, &syncerr.ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope kind %q", kind)}
}

// NormalizeScopeID converts any stored representation of a scope id to its
// canonical string form. It is the only place ids are compared from.
//
// Known historical representations:
//   - string, possibly with surrounding whitespace (current writers)
//   - integer number (records created before ids were stringified); arrives
//     as int/int64 from in-process stores, float64 or json.Number from JSON
func NormalizeScopeID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return NormalizeScopeID(string(id))
	case int:
		return strconv.Itoa(id)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32)
	case fmt.Stringer:
		return strings.TrimSpace(id.String())
	default:
		return strings.TrimSpace(fmt.Sprint(id))
	}
}

// ScopeIDVariants returns every representation a scope id may have been
// stored under: the canonical string, plus the integer form when the id is
// a canonical decimal integer.
func ScopeIDVariants(id string) []any {
	id = NormalizeScopeID(id)
	if id == "" {
		return nil
	}
	variants := []any{id}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
		variants = append(variants, n)
	}
	return variants
}
