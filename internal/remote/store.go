// Package remote defines the contract of the authoritative document store
// and provides an in-process implementation with live queries.
package remote

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Document is one record of a collection.
type Document struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
}

// Op is a filter operator.
type Op string

const (
	// OpEq matches when the field equals the value. Strings and numbers never
	// compare equal to each other.
	OpEq Op = "=="
	// OpArrayContains matches when the array field contains the value.
	OpArrayContains Op = "array-contains"
	// OpIn matches when the field equals one of a bounded set of values.
	OpIn Op = "in"
)

// FieldDocumentID is the pseudo field a filter uses to select documents by
// id.
const FieldDocumentID = "__id__"

// Filter is one conjunct of a query.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Eq returns an equality filter.
func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

// ArrayContains returns an array-membership filter.
func ArrayContains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// In returns a bounded-set filter.
func In(field string, values []any) Filter { return Filter{Field: field, Op: OpIn, Value: values} }

// Query selects documents of one collection matching every filter.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
}

// NewQuery returns a query over collection.
func NewQuery(collection string, filters ...Filter) Query {
	return Query{Collection: collection, Filters: filters}
}

// Where returns a copy of q with more filters.
func (q Query) Where(filters ...Filter) Query {
	return Query{Collection: q.Collection, Filters: append(slices.Clone(q.Filters), filters...)}
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		parts = append(parts, fmt.Sprintf("%s %s %#v", f.Field, f.Op, f.Value))
	}
	return fmt.Sprintf("%s[%s]", q.Collection, strings.Join(parts, " && "))
}

// Handler receives live query events. OnSnapshot always carries the full
// result set. OnError is terminal for the listener.
type Handler struct {
	OnSnapshot func(docs []Document)
	OnError    func(err error)
}

// Listener is an open live query.
type Listener interface {
	// Close stops delivery. It is idempotent; once it returns the handler is
	// not called again.
	Close()
}

// Store is the authoritative document store. Errors are classified with the
// syncerr taxonomy.
type Store interface {
	// Watch opens a live query. A synchronous error means the query was
	// rejected and no listener exists.
	Watch(ctx context.Context, q Query, h Handler) (Listener, error)

	// Query runs a one-shot query.
	Query(ctx context.Context, q Query) ([]Document, error)

	// Set creates or replaces a document.
	Set(ctx context.Context, collection, id string, fields map[string]any) error

	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// ArrayUnion adds values to an array field, skipping ones already present.
	ArrayUnion(ctx context.Context, collection, id, field string, values []any) error
}
