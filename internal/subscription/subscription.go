package subscription

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Mode is the connection state of a subscription.
type Mode int

const (
	// ModeIdle means Start has not been called.
	ModeIdle Mode = iota
	// ModeConnecting means the broad query has not delivered yet.
	ModeConnecting
	// ModeLive means the broad query is delivering.
	ModeLive
	// ModeFallback means the broad query was denied and narrower queries
	// are delivering while it is retried.
	ModeFallback
	// ModeDegraded means the broad query failed and is being retried; the
	// view shows the mirror.
	ModeDegraded
	// ModeCancelled means Cancel was called.
	ModeCancelled
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeConnecting:
		return "connecting"
	case ModeLive:
		return "live"
	case ModeFallback:
		return "fallback"
	case ModeDegraded:
		return "degraded"
	case ModeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type stream struct {
	query     remote.Query
	project   bool
	listener  remote.Listener
	closed    bool
	delivered bool
	docs      []remote.Document
}

// group is a set of streams whose results are merged into one delivery.
type group struct {
	fallback   bool
	projects   []*stream
	tasks      []*stream
	projectIDs []string
}

func (g *group) all() []*stream {
	return append(slices.Clone(g.projects), g.tasks...)
}

func (g *group) ready() bool {
	for _, st := range g.all() {
		if !st.delivered {
			return false
		}
	}
	return true
}

// Subscription is a live view of one scope. Start and Cancel may be called
// from any goroutine; Cancel is synchronous and idempotent.
type Subscription struct {
	mgr   *Manager
	scope schema.Scope
	sink  func(Update)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	mode     Mode
	broad    *group
	fallback *group
	retry    Timer
	lastErr  error
	// knownProjects survives failed broad groups so an area fallback can be
	// built from the last project set seen.
	knownProjects []string
}

func newSubscription(m *Manager, scope schema.Scope, sink func(Update)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{mgr: m, scope: scope, sink: sink, ctx: ctx, cancel: cancel}
}

// Scope returns the subscribed scope.
func (s *Subscription) Scope() schema.Scope { return s.scope }

// Mode returns the current connection state.
func (s *Subscription) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Err returns the failure that last degraded the subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start opens the broad query. If it is denied synchronously, the mirror
// snapshot has been delivered by the time Start returns.
func (s *Subscription) Start() error {
	if s.scope.IsZero() {
		return &syncerr.ValidationError{Field: "scope", Reason: "is required"}
	}

	s.mu.Lock()
	if s.mode != ModeIdle {
		s.mu.Unlock()
		return nil
	}
	s.mode = ModeConnecting
	g := s.newBroadGroup()
	s.mu.Unlock()

	s.open(g, g.all())
	return nil
}

// Cancel stops retries and closes every stream. No update is delivered after
// it returns.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.mode == ModeCancelled {
		s.mu.Unlock()
		return
	}
	s.mode = ModeCancelled
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	var toClose []remote.Listener
	toClose = append(toClose, s.closeGroup(s.broad)...)
	toClose = append(toClose, s.closeGroup(s.fallback)...)
	s.broad, s.fallback = nil, nil
	s.mu.Unlock()

	s.cancel()
	for _, l := range toClose {
		l.Close()
	}
}

// newBroadGroup must be called with s.mu held.
func (s *Subscription) newBroadGroup() *group {
	g := &group{}
	for _, q := range projectQueries(s.scope) {
		g.projects = append(g.projects, &stream{query: q, project: true})
	}
	for _, q := range broadQueries(s.scope) {
		g.tasks = append(g.tasks, &stream{query: q})
	}
	s.broad = g
	return g
}

// closeGroup marks every stream of g closed and returns their listeners. It
// must be called with s.mu held.
func (s *Subscription) closeGroup(g *group) []remote.Listener {
	if g == nil {
		return nil
	}
	var out []remote.Listener
	for _, st := range g.all() {
		st.closed = true
		if st.listener != nil {
			out = append(out, st.listener)
			st.listener = nil
		}
	}
	return out
}

// open starts the given streams of g. It must be called without s.mu held,
// since a store may deliver before Watch returns.
func (s *Subscription) open(g *group, streams []*stream) {
	for _, st := range streams {
		s.mu.Lock()
		skip := st.closed || s.mode == ModeCancelled
		s.mu.Unlock()
		if skip {
			continue
		}

		h := remote.Handler{
			OnSnapshot: func(docs []remote.Document) { s.onSnapshot(g, st, docs) },
			OnError:    func(err error) { s.onError(g, st, err) },
		}
		l, err := s.mgr.store.Watch(s.ctx, st.query, h)
		if err != nil {
			s.onError(g, st, syncerr.Classify("watch", err))
			continue
		}

		s.mu.Lock()
		if st.closed || s.mode == ModeCancelled {
			s.mu.Unlock()
			l.Close()
			continue
		}
		st.listener = l
		s.mu.Unlock()
	}
}

func (s *Subscription) onSnapshot(g *group, st *stream, docs []remote.Document) {
	var toClose []remote.Listener
	var toOpen []*stream

	s.mu.Lock()
	if st.closed || s.mode == ModeCancelled {
		s.mu.Unlock()
		return
	}
	st.docs = docs
	st.delivered = true

	if st.project && allDelivered(g.projects) {
		ids := s.groupProjectIDs(g)
		if !slices.Equal(ids, g.projectIDs) {
			g.projectIDs = ids
			s.knownProjects = ids
			old := &group{tasks: g.tasks}
			toClose = s.closeGroup(old)
			g.tasks = nil
			for _, q := range inQueries(ids, s.mgr.config.InLimit) {
				g.tasks = append(g.tasks, &stream{query: q})
			}
			toOpen = g.tasks
		}
	}

	if g.ready() {
		switch {
		case g == s.broad:
			if s.mode != ModeLive {
				s.mgr.config.Logger.Printf("%s: broad query live", s.scope)
				toClose = append(toClose, s.closeGroup(s.fallback)...)
				s.fallback = nil
				if s.retry != nil {
					s.retry.Stop()
					s.retry = nil
				}
				s.mode = ModeLive
				s.lastErr = nil
			}
			s.deliver(s.tasksOf(g), SourceLive, nil)
		case g == s.fallback && s.mode == ModeFallback:
			s.deliver(s.tasksOf(g), SourceFallback, s.lastErr)
		}
	}
	s.mu.Unlock()

	for _, l := range toClose {
		l.Close()
	}
	if len(toOpen) > 0 {
		s.open(g, toOpen)
	}
}

func (s *Subscription) onError(g *group, st *stream, err error) {
	var toClose []remote.Listener
	var fb *group

	s.mu.Lock()
	if st.closed || s.mode == ModeCancelled {
		s.mu.Unlock()
		return
	}

	switch g {
	case s.broad:
		s.mgr.config.Logger.Printf("%s: broad query failed: %v", s.scope, err)
		toClose = s.closeGroup(g)
		s.broad = nil
		s.lastErr = err
		if len(g.projectIDs) > 0 {
			s.knownProjects = g.projectIDs
		}

		firstFailure := s.mode == ModeConnecting || s.mode == ModeLive
		if firstFailure {
			s.mode = ModeDegraded
			s.deliver(s.mgr.cached(s.scope), SourceCache, err)
		}
		if syncerr.IsFallbackTrigger(err) && s.fallback == nil {
			qs := fallbackQueries(s.scope, s.mgr.config.Actor, s.knownProjects, s.mgr.config.InLimit)
			if len(qs) > 0 {
				fb = &group{fallback: true, projectIDs: s.knownProjects}
				for _, q := range qs {
					fb.tasks = append(fb.tasks, &stream{query: q})
				}
				s.fallback = fb
				s.mode = ModeFallback
			}
		}
		s.scheduleRetry()

	case s.fallback:
		// Each narrowing stands alone; the group degrades once none is left.
		s.mgr.config.Logger.Printf("%s: fallback query %s failed: %v", s.scope, st.query, err)
		st.closed = true
		if st.listener != nil {
			toClose = append(toClose, st.listener)
			st.listener = nil
		}
		// open may still be iterating the old slice.
		remaining := make([]*stream, 0, len(g.tasks))
		for _, other := range g.tasks {
			if other != st {
				remaining = append(remaining, other)
			}
		}
		g.tasks = remaining
		switch {
		case len(g.tasks) == 0:
			s.fallback = nil
			if s.mode == ModeFallback {
				s.mode = ModeDegraded
			}
		case g.ready() && s.mode == ModeFallback:
			s.deliver(s.tasksOf(g), SourceFallback, s.lastErr)
		}

	default:
		st.closed = true
	}
	s.mu.Unlock()

	for _, l := range toClose {
		l.Close()
	}
	if fb != nil {
		s.open(fb, fb.tasks)
	}
}

// scheduleRetry must be called with s.mu held.
func (s *Subscription) scheduleRetry() {
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.mgr.config.Clock.AfterFunc(s.mgr.config.RetryBackoff, s.retryBroad)
}

func (s *Subscription) retryBroad() {
	s.mu.Lock()
	if s.mode == ModeCancelled || s.broad != nil {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.mgr.config.Logger.Printf("%s: retrying broad query", s.scope)
	g := s.newBroadGroup()
	s.mu.Unlock()

	s.open(g, g.all())
}

// deliver must be called with s.mu held.
func (s *Subscription) deliver(tasks []schema.Task, source Source, err error) {
	if s.sink == nil {
		return
	}
	s.sink(Update{Scope: s.scope, Tasks: tasks, Source: source, Err: err})
}

func (s *Subscription) groupProjectIDs(g *group) []string {
	var docs []remote.Document
	for _, st := range g.projects {
		docs = append(docs, st.docs...)
	}
	return projectIDsOf(docs)
}

// tasksOf merges the task streams of g into one list, one entry per id,
// applying the scope filter.
func (s *Subscription) tasksOf(g *group) []schema.Task {
	allowed := make(map[string]bool, len(g.projectIDs))
	for _, id := range g.projectIDs {
		allowed[id] = true
	}

	byID := make(map[string]schema.Task)
	for _, st := range g.tasks {
		for _, doc := range st.docs {
			task, err := schema.TaskFromFields(doc.ID, doc.Fields)
			if err != nil {
				s.mgr.config.Logger.Printf("%s: skipping undecodable record: %v", s.scope, err)
				continue
			}
			if g.fallback && s.scope.Kind == schema.ScopeUser && !slices.Contains(task.AssignedTo, s.scope.ID) {
				// The actor's own assignments are wider than the scope.
				continue
			}
			if !s.mgr.accept(s.scope, allowed, doc, task) {
				continue
			}
			byID[task.ID] = task
		}
	}

	out := make([]schema.Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func allDelivered(streams []*stream) bool {
	for _, st := range streams {
		if !st.delivered {
			return false
		}
	}
	return true
}
