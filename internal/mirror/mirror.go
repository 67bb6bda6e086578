package mirror

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Mirror caches the last confirmed task list of each scope in a Store.
//
// Mirror never fails its caller: unreadable entries load as empty, and a
// full store is logged and skipped.
type Mirror struct {
	store  Store
	logger *log.Logger
	mu     sync.Mutex
}

// New creates a Mirror over store. If logger is nil, a default logger is
// used.
func New(store Store, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	return &Mirror{store: store, logger: logger}
}

// Load returns the cached tasks of key, or an empty slice.
func (m *Mirror) Load(key string) []schema.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(key)
}

func (m *Mirror) load(key string) []schema.Task {
	raw, err := m.store.Get(key)
	if err != nil {
		if !errors.Is(err, ErrMissing) {
			m.logger.Printf("failed to read %s: %v", key, err)
		}
		return []schema.Task{}
	}
	var tasks []schema.Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		m.logger.Printf("discarding unreadable entry %s: %v", key, err)
		return []schema.Task{}
	}
	if tasks == nil {
		tasks = []schema.Task{}
	}
	return tasks
}

// Save replaces the cached tasks of key. Duplicate ids keep the position of
// their first occurrence and the value of their last.
func (m *Mirror) Save(key string, tasks []schema.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.save(key, tasks)
}

func (m *Mirror) save(key string, tasks []schema.Task) {
	raw, err := json.Marshal(Dedup(tasks))
	if err != nil {
		m.logger.Printf("failed to encode %s: %v", key, err)
		return
	}
	if err := m.store.Set(key, string(raw)); err != nil {
		if errors.Is(err, syncerr.ErrQuota) {
			m.logger.Printf("continuing uncached: %v", err)
			return
		}
		m.logger.Printf("failed to write %s: %v", key, err)
	}
}

// Invalidate drops the cached tasks of key.
func (m *Mirror) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Remove(key); err != nil {
		m.logger.Printf("failed to invalidate %s: %v", key, err)
	}
}

// Upsert writes one confirmed task through to the cache of key.
func (m *Mirror) Upsert(key string, task schema.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.load(key)
	task.Origin = schema.OriginPersisted
	replaced := false
	for i := range tasks {
		if tasks[i].ID == task.ID {
			tasks[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		tasks = append(tasks, task)
	}
	m.save(key, tasks)
}

// Delete removes one task from the cache of key.
func (m *Mirror) Delete(key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.load(key)
	out := tasks[:0]
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	if len(out) == len(tasks) {
		return
	}
	m.save(key, out)
}

// Dedup returns tasks with one entry per id.
func Dedup(tasks []schema.Task) []schema.Task {
	index := make(map[string]int, len(tasks))
	out := make([]schema.Task, 0, len(tasks))
	for _, t := range tasks {
		if i, ok := index[t.ID]; ok {
			out[i] = t
			continue
		}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}
