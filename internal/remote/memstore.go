package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Rule authorizes a read. It returns a syncerr.AuthorizationError to deny.
type Rule func(ctx context.Context, q Query) error

// WriteFault injects a failure into a write. A nil return lets it through.
type WriteFault func(op, collection, id string) error

// Persister receives every committed write so the store can survive restarts.
type Persister interface {
	PutDocument(ctx context.Context, collection, id string, fields map[string]any) error
	DeleteDocument(ctx context.Context, collection, id string) error
}

// MemStore is an in-process Store with live queries.
//
// Watch delivers the current result set before it returns, and every write
// that touches a matching document re-delivers the full result set on the
// writer's goroutine. Deliveries to one listener are serialized and never go
// backwards in version.
type MemStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]map[string]any
	watchers map[int64]*watcher
	nextID   int64
	version  uint64
	rules    []Rule
	fault    WriteFault
	persist  Persister
	writes   map[string]int
	logger   *log.Logger
}

// NewMemStore creates an empty store. If logger is nil, a default logger is
// used.
func NewMemStore(logger *log.Logger) *MemStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &MemStore{
		docs:     make(map[string]map[string]map[string]any),
		watchers: make(map[int64]*watcher),
		writes:   make(map[string]int),
		logger:   logger,
	}
}

// Use adds read rules. Every rule must allow a query for it to run.
func (s *MemStore) Use(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rules...)
}

// ClearRules removes every read rule.
func (s *MemStore) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = nil
}

// SetWriteFault installs (or with nil, removes) a write fault.
func (s *MemStore) SetWriteFault(f WriteFault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// SetPersister attaches durable storage for writes.
func (s *MemStore) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
}

// Restore loads documents without notifying watchers or persisting them.
func (s *MemStore) Restore(docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		fields, err := copyFields(d.Fields)
		if err != nil {
			return fmt.Errorf("failed to restore %s/%s: %w", d.Collection, d.ID, err)
		}
		s.collection(d.Collection)[d.ID] = fields
	}
	return nil
}

// Writes returns how many successful writes of op ("set", "update",
// "delete", "arrayUnion") the store has committed.
func (s *MemStore) Writes(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[op]
}

// Get returns a copy of one document.
func (s *MemStore) Get(collection, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.docs[collection][id]
	if !ok {
		return nil, false
	}
	out, _ := copyFields(fields)
	return out, true
}

// Watchers returns the number of open listeners.
func (s *MemStore) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *MemStore) collection(name string) map[string]map[string]any {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[string]map[string]any)
		s.docs[name] = c
	}
	return c
}

func (s *MemStore) authorize(ctx context.Context, q Query) error {
	for _, rule := range s.rules {
		if err := rule(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// results must be called with s.mu held.
func (s *MemStore) results(q Query) []Document {
	docs := make([]Document, 0)
	for id, fields := range s.docs[q.Collection] {
		if !q.MatchesDocument(id, fields) {
			continue
		}
		cp, _ := copyFields(fields)
		docs = append(docs, Document{Collection: q.Collection, ID: id, Fields: cp})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// Watch implements Store. A denied query is reported through h.OnError
// before Watch returns, like a listener that fails on its first snapshot.
func (s *MemStore) Watch(ctx context.Context, q Query, h Handler) (Listener, error) {
	if h.OnSnapshot == nil {
		return nil, &syncerr.ValidationError{Field: "handler", Reason: "OnSnapshot is required"}
	}

	s.mu.Lock()
	if err := s.authorize(ctx, q); err != nil {
		s.mu.Unlock()
		s.logger.Printf("watch %s denied: %v", q, err)
		if h.OnError != nil {
			h.OnError(err)
		}
		return closedListener{}, nil
	}
	s.nextID++
	w := &watcher{id: s.nextID, query: q, handler: h, store: s}
	s.watchers[w.id] = w
	version := s.version
	docs := s.results(q)
	s.mu.Unlock()

	w.deliver(version, docs)
	return w, nil
}

// Query implements Store.
func (s *MemStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Classify("query", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, q); err != nil {
		return nil, err
	}
	return s.results(q), nil
}

// Set implements Store.
func (s *MemStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.write(ctx, "set", collection, id, func(map[string]any, bool) (map[string]any, error) {
		if fields == nil {
			return map[string]any{}, nil
		}
		return copyFields(fields)
	})
}

// Update implements Store.
func (s *MemStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.write(ctx, "update", collection, id, func(cur map[string]any, ok bool) (map[string]any, error) {
		if !ok {
			return nil, fmt.Errorf("update %s/%s: %w", collection, id, syncerr.ErrNotFound)
		}
		patch, err := copyFields(fields)
		if err != nil {
			return nil, err
		}
		next, _ := copyFields(cur)
		for k, v := range patch {
			next[k] = v
		}
		return next, nil
	})
}

// Delete implements Store.
func (s *MemStore) Delete(ctx context.Context, collection, id string) error {
	return s.write(ctx, "delete", collection, id, func(map[string]any, bool) (map[string]any, error) {
		return nil, nil
	})
}

// ArrayUnion implements Store.
func (s *MemStore) ArrayUnion(ctx context.Context, collection, id, field string, values []any) error {
	return s.write(ctx, "arrayUnion", collection, id, func(cur map[string]any, ok bool) (map[string]any, error) {
		if !ok {
			return nil, fmt.Errorf("arrayUnion %s/%s: %w", collection, id, syncerr.ErrNotFound)
		}
		add, err := copyFields(map[string]any{field: values})
		if err != nil {
			return nil, err
		}
		next, _ := copyFields(cur)
		arr := asSlice(next[field])
		for _, v := range asSlice(add[field]) {
			present := false
			for _, have := range arr {
				if ValuesEqual(have, v) {
					present = true
					break
				}
			}
			if !present {
				arr = append(arr, v)
			}
		}
		if arr == nil {
			arr = []any{}
		}
		next[field] = arr
		return next, nil
	})
}

type delivery struct {
	w       *watcher
	version uint64
	docs    []Document
}

// write applies mutate to one document and notifies affected watchers. A nil
// result from mutate deletes the document.
func (s *MemStore) write(ctx context.Context, op, collection, id string, mutate func(cur map[string]any, ok bool) (map[string]any, error)) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Classify(op, err)
	}

	s.mu.Lock()
	if s.fault != nil {
		if err := s.fault(op, collection, id); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	coll := s.collection(collection)
	cur, existed := coll[id]
	next, err := mutate(cur, existed)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if s.persist != nil {
		if next == nil {
			err = s.persist.DeleteDocument(ctx, collection, id)
		} else {
			err = s.persist.PutDocument(ctx, collection, id, next)
		}
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to persist %s %s/%s: %w", op, collection, id, err)
		}
	}

	if next == nil {
		delete(coll, id)
	} else {
		coll[id] = next
	}
	s.version++
	s.writes[op]++

	var pending []delivery
	for _, w := range s.watchers {
		if w.query.Collection != collection {
			continue
		}
		before := existed && w.query.MatchesDocument(id, cur)
		after := next != nil && w.query.MatchesDocument(id, next)
		if !before && !after {
			continue
		}
		pending = append(pending, delivery{w: w, version: s.version, docs: s.results(w.query)})
	}
	s.mu.Unlock()

	for _, d := range pending {
		d.w.deliver(d.version, d.docs)
	}
	return nil
}

func (s *MemStore) unwatch(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, id)
}

type watcher struct {
	id      int64
	query   Query
	handler Handler
	store   *MemStore
	closed  atomic.Bool

	dmu       sync.Mutex
	delivered bool
	version   uint64
}

func (w *watcher) deliver(version uint64, docs []Document) {
	w.dmu.Lock()
	defer w.dmu.Unlock()
	if w.closed.Load() {
		return
	}
	if w.delivered && version <= w.version {
		return
	}
	w.delivered = true
	w.version = version
	w.handler.OnSnapshot(docs)
}

// Close implements Listener. It may be called from inside the handler.
func (w *watcher) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.store.unwatch(w.id)
}

type closedListener struct{}

func (closedListener) Close() {}
