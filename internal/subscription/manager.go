// Package subscription keeps a live view of the persisted tasks of a scope.
//
// A Subscription issues one live query per stored representation of the
// scope id and merges the streams client-side. When the broad query is
// denied (or needs a missing index) it delivers the local mirror, opens
// narrower queries the caller is always allowed to run, and retries the
// broad query on a fixed backoff until it succeeds.
//
// Updates are delivered to the sink while the subscription lock is held, so
// a sink must not call Start or Cancel on the subscription that invoked it.
package subscription

import (
	"log"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/mirror"
	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Config holds configuration for the manager.
type Config struct {
	// Actor is the signed-in user. Fallback queries are pinned to it.
	Actor string

	// RetryBackoff is how long to wait before retrying a failed broad query.
	RetryBackoff time.Duration

	// InLimit bounds the value list of "in" filters.
	InLimit int

	// Clock schedules retries.
	Clock Clock

	// Logger for subscription activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryBackoff: 5 * time.Second,
		InLimit:      DefaultInLimit,
		Clock:        RealClock{},
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Source tells where the tasks of an Update came from.
type Source int

const (
	// SourceLive is the result of the broad query.
	SourceLive Source = iota
	// SourceCache is the local mirror, delivered when the broad query failed.
	SourceCache
	// SourceFallback is the merged result of the narrower fallback queries.
	SourceFallback
)

// String returns a human-readable representation of the source.
func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceCache:
		return "cache"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Update is one delivery to a sink. Tasks is the complete persisted set for
// the scope, one entry per id.
type Update struct {
	Scope  schema.Scope
	Tasks  []schema.Task
	Source Source
	// Err is the failure that degraded the subscription, for cache and
	// fallback deliveries.
	Err error
}

// Manager creates subscriptions against one store.
type Manager struct {
	store    remote.Store
	cache    *mirror.Mirror
	config   *Config
	warnings atomic.Int64
}

// NewManager creates a Manager. cache may be nil, in which case degraded
// subscriptions deliver an empty list.
func NewManager(store remote.Store, cache *mirror.Mirror, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.InLimit <= 0 {
		config.InLimit = defaults.InLimit
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Manager{store: store, cache: cache, config: config}
}

// Subscribe returns an unstarted subscription for scope.
func (m *Manager) Subscribe(scope schema.Scope, sink func(Update)) *Subscription {
	return newSubscription(m, scope, sink)
}

// Warnings returns how many records were dropped for a scope mismatch.
func (m *Manager) Warnings() int64 {
	return m.warnings.Load()
}

func (m *Manager) cached(scope schema.Scope) []schema.Task {
	if m.cache == nil {
		return []schema.Task{}
	}
	return m.cache.Load(scope.Key())
}

// accept is the scope filter: a record delivered for scope must belong to
// it, whatever representation its scope id was stored under. allowed holds
// the project ids of an area scope.
func (m *Manager) accept(scope schema.Scope, allowed map[string]bool, doc remote.Document, task schema.Task) bool {
	got := schema.NormalizeScopeID(doc.Fields[schema.FieldScopeID])
	ok := false
	switch scope.Kind {
	case schema.ScopeProject:
		ok = got == scope.ID
	case schema.ScopeArea:
		ok = allowed[got]
	case schema.ScopeUser:
		got = strings.Join(task.AssignedTo, ",")
		ok = slices.Contains(task.AssignedTo, scope.ID)
	}
	if !ok {
		m.warnings.Add(1)
		m.config.Logger.Printf("dropping record: %v", &syncerr.DataIntegrityWarning{RecordID: doc.ID, Want: scope.ID, Got: got})
	}
	return ok
}
