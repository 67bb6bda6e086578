package subscription

import (
	"slices"
	"strconv"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
)

// DefaultInLimit is the largest value list a single "in" filter may carry.
const DefaultInLimit = 10

// broadQueries returns the task queries covering scope. Area scopes have none
// until their project ids are known.
func broadQueries(scope schema.Scope) []remote.Query {
	switch scope.Kind {
	case schema.ScopeProject:
		var qs []remote.Query
		for _, v := range schema.ScopeIDVariants(scope.ID) {
			qs = append(qs, remote.NewQuery(schema.CollectionTasks, remote.Eq(schema.FieldScopeID, v)))
		}
		return qs
	case schema.ScopeUser:
		return []remote.Query{remote.NewQuery(schema.CollectionTasks, remote.ArrayContains(schema.FieldAssignedTo, scope.ID))}
	default:
		return nil
	}
}

// projectQueries returns the project queries of an area scope.
func projectQueries(scope schema.Scope) []remote.Query {
	if scope.Kind != schema.ScopeArea {
		return nil
	}
	var qs []remote.Query
	for _, v := range schema.ScopeIDVariants(scope.ID) {
		qs = append(qs, remote.NewQuery(schema.CollectionProjects, remote.Eq(schema.FieldAreaID, v)))
	}
	return qs
}

// fallbackQueries returns the permission-safe narrowing of the broad queries:
// tasks of the scope created by actor, and tasks of the scope assigned to
// actor. projectIDs are the known projects of an area scope.
//
// A user scope allows a single array-contains filter per query, so its
// assigned-to-actor narrowing queries all of actor's assignments and leaves
// the assignedTo check for the scope user to the caller.
func fallbackQueries(scope schema.Scope, actor string, projectIDs []string, inLimit int) []remote.Query {
	if actor == "" {
		return nil
	}
	narrowings := []remote.Filter{
		remote.Eq(schema.FieldCreatedBy, actor),
		remote.ArrayContains(schema.FieldAssignedTo, actor),
	}

	var qs []remote.Query
	switch scope.Kind {
	case schema.ScopeProject:
		for _, q := range broadQueries(scope) {
			for _, f := range narrowings {
				qs = append(qs, q.Where(f))
			}
		}
	case schema.ScopeArea:
		for _, f := range narrowings {
			qs = append(qs, inQueries(projectIDs, inLimit, f)...)
		}
	case schema.ScopeUser:
		for _, q := range broadQueries(scope) {
			qs = append(qs, q.Where(narrowings[0]))
		}
		if scope.ID != actor {
			qs = append(qs, remote.NewQuery(schema.CollectionTasks, narrowings[1]))
		}
	}
	return qs
}

// inQueries covers the tasks of projectIDs with bounded "in" filters: ids
// are split into chunks of inLimit, and each chunk is queried once with its
// string ids and once with the integer form of its numeric ids.
func inQueries(projectIDs []string, inLimit int, extra ...remote.Filter) []remote.Query {
	if inLimit <= 0 {
		inLimit = DefaultInLimit
	}
	var qs []remote.Query
	for chunk := range slices.Chunk(projectIDs, inLimit) {
		strs := make([]any, 0, len(chunk))
		var nums []any
		for _, id := range chunk {
			strs = append(strs, id)
			if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
				nums = append(nums, n)
			}
		}
		filters := append([]remote.Filter{remote.In(schema.FieldScopeID, strs)}, extra...)
		qs = append(qs, remote.NewQuery(schema.CollectionTasks, filters...))
		if len(nums) > 0 {
			filters := append([]remote.Filter{remote.In(schema.FieldScopeID, nums)}, extra...)
			qs = append(qs, remote.NewQuery(schema.CollectionTasks, filters...))
		}
	}
	return qs
}

// projectIDsOf returns the sorted, normalized ids of project documents.
func projectIDsOf(docs []remote.Document) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id := schema.NormalizeScopeID(d.ID); id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
