// Package buffer tracks locally originated writes until the remote store
// confirms or rejects them.
//
// Each task id has at most one slot. A slot remembers the task as it was
// before the first unconfirmed mutation, so a failure can always restore the
// last confirmed state even if several mutations were queued on top of each
// other.
//
// An acknowledged write is not retired: the slot stays in the view until the
// persisted stream shows the same id, because a live snapshot may still be
// older than the write.
package buffer

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/tasksync/internal/schema"
)

// Kind is the type of a pending mutation.
type Kind int

const (
	// KindCreate is a new task not yet stored remotely.
	KindCreate Kind = iota
	// KindUpdate is a field change to an existing task.
	KindUpdate
	// KindDelete is a pending removal; the task is hidden from the view.
	KindDelete
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is one pending mutation.
type Entry struct {
	Kind Kind
	// Seq identifies the mutation. Confirm and Fail ignore stale sequences.
	Seq uint64
	// Task is the optimistic state shown in the view.
	Task schema.Task
	// Prior is the last confirmed state, nil for creates.
	Prior *schema.Task
	// Acked is set once the store accepted Seq. Acked entries can no longer
	// be rolled back.
	Acked bool
	// observed counts snapshots that showed the id with other fields after
	// the acknowledgement.
	observed int
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	seq     uint64
	order   []string
	entries map[string]*Entry
	newID   func() string
	now     func() time.Time
}

// New returns an empty buffer that assigns UUIDv7 ids.
func New() *Buffer {
	return &Buffer{
		entries: make(map[string]*Entry),
		newID:   NewID,
		now:     time.Now,
	}
}

// NewID returns a fresh time-ordered task id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetClock overrides the time source used for CreatedAt.
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Create assigns an id to draft, validates it and records it as pending. The
// id exists before any remote write is issued.
func (b *Buffer) Create(draft schema.Task) (schema.Task, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task := draft.Clone()
	if task.ID == "" {
		task.ID = b.newID()
	}
	task.SetDefaults(b.now())
	task.Origin = schema.OriginOptimistic
	if err := task.Validate(); err != nil {
		return schema.Task{}, 0, err
	}
	if _, exists := b.entries[task.ID]; exists {
		return schema.Task{}, 0, fmt.Errorf("task %s already pending", task.ID)
	}

	b.seq++
	b.entries[task.ID] = &Entry{Kind: KindCreate, Seq: b.seq, Task: task}
	b.order = append(b.order, task.ID)
	return task.Clone(), b.seq, nil
}

// Update records next as the optimistic state of current. current is the
// task as the caller sees it now; it becomes the rollback target unless an
// earlier pending mutation already captured one.
func (b *Buffer) Update(current, next schema.Task) (uint64, error) {
	if current.ID == "" || current.ID != next.ID {
		return 0, fmt.Errorf("update requires matching task ids, got %q and %q", current.ID, next.ID)
	}
	next.Origin = schema.OriginOptimistic
	if err := next.Validate(); err != nil {
		return 0, err
	}
	return b.put(KindUpdate, current, next), nil
}

// UpdateStatus records a status change of current.
func (b *Buffer) UpdateStatus(current schema.Task, status schema.Status) (schema.Task, uint64, error) {
	next := current.Clone()
	next.Status = status
	seq, err := b.Update(current, next)
	if err != nil {
		return schema.Task{}, 0, err
	}
	next.Origin = schema.OriginOptimistic
	return next, seq, nil
}

// Remove records a pending delete of current.
func (b *Buffer) Remove(current schema.Task) uint64 {
	return b.put(KindDelete, current, current)
}

func (b *Buffer) put(kind Kind, current, next schema.Task) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if e, ok := b.entries[current.ID]; ok {
		if e.Acked {
			// The acknowledged state is now the rollback target.
			prior := e.Task.Clone()
			prior.Origin = schema.OriginPersisted
			e.Prior = &prior
			e.Kind = kind
			e.Acked = false
			e.observed = 0
		} else if e.Kind != KindCreate || kind != KindUpdate {
			// An update on top of a pending create keeps the create kind.
			e.Kind = kind
		}
		e.Seq = b.seq
		e.Task = next.Clone()
		return b.seq
	}

	prior := current.Clone()
	prior.Origin = schema.OriginPersisted
	b.entries[current.ID] = &Entry{Kind: kind, Seq: b.seq, Task: next.Clone(), Prior: &prior}
	b.order = append(b.order, current.ID)
	return b.seq
}

// Confirm marks the entry of id as acknowledged if seq is its latest
// mutation. The entry stays visible until Reconcile observes it.
func (b *Buffer) Confirm(id string, seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || e.Seq != seq {
		return false
	}
	e.Acked = true
	return true
}

// Fail rolls back the entry of id if seq is its latest mutation. It returns
// the restored task (nil when a create is rolled back) and whether the
// failure applied.
func (b *Buffer) Fail(id string, seq uint64) (*schema.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || e.Seq != seq || e.Acked {
		return nil, false
	}
	b.drop(id)
	if e.Prior == nil {
		return nil, true
	}
	prior := e.Prior.Clone()
	return &prior, true
}

func (b *Buffer) drop(id string) {
	delete(b.entries, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })
}

// Reconcile retires entries whose effect is visible in persisted and returns
// their ids. A create or update retires when a persisted task with the same id
// reflects the pending status and text, and an acknowledged create as soon as
// its id appears. An acknowledged update whose fields were overwritten by
// another writer retires on the second snapshot that shows the overwrite. A
// delete retires when the id is absent from persisted.
func (b *Buffer) Reconcile(persisted []schema.Task) []string {
	return b.ReconcileWhere(persisted, nil)
}

// ReconcileWhere is Reconcile restricted to the entries whose id satisfies
// include. A nil include considers every entry.
func (b *Buffer) ReconcileWhere(persisted []schema.Task, include func(id string) bool) []string {
	byID := make(map[string]schema.Task, len(persisted))
	for _, t := range persisted {
		byID[t.ID] = t
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var retired []string
	for _, id := range slices.Clone(b.order) {
		if include != nil && !include(id) {
			continue
		}
		e := b.entries[id]
		p, seen := byID[id]
		switch {
		case e.Kind == KindCreate && e.Acked:
			if !seen {
				continue
			}
		case e.Kind == KindCreate, e.Kind == KindUpdate:
			if !seen {
				continue
			}
			if p.Status != e.Task.Status || p.Text != e.Task.Text {
				if !e.Acked {
					continue
				}
				// The first such snapshot may predate the write.
				if e.observed++; e.observed < 2 {
					continue
				}
			}
		case e.Kind == KindDelete:
			if seen {
				continue
			}
		}
		b.drop(id)
		retired = append(retired, id)
	}
	return retired
}

// DropAcked removes the acknowledged entries whose id satisfies include and
// returns their ids.
func (b *Buffer) DropAcked(include func(id string) bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped []string
	for _, id := range slices.Clone(b.order) {
		if b.entries[id].Acked && include(id) {
			b.drop(id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// Tasks returns the optimistic tasks to show, in insertion order. Pending
// deletes are excluded.
func (b *Buffer) Tasks() []schema.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Task, 0, len(b.order))
	for _, id := range b.order {
		e := b.entries[id]
		if e.Kind == KindDelete {
			continue
		}
		t := e.Task.Clone()
		t.Origin = schema.OriginOptimistic
		out = append(out, t)
	}
	return out
}

// Hidden returns the ids of pending deletes.
func (b *Buffer) Hidden() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, id := range b.order {
		if b.entries[id].Kind == KindDelete {
			out = append(out, id)
		}
	}
	return out
}

// Entry returns a copy of the pending entry of id.
func (b *Buffer) Entry(id string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Task = e.Task.Clone()
	if e.Prior != nil {
		prior := e.Prior.Clone()
		cp.Prior = &prior
	}
	return cp, true
}

// Unacked returns the number of entries whose write has not been
// acknowledged yet.
func (b *Buffer) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if !e.Acked {
			n++
		}
	}
	return n
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Clear drops every pending entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.entries = make(map[string]*Entry)
}
