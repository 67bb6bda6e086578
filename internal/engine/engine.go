// Package engine composes the sync components into one task view per scope.
//
// The engine:
// 1. Shows the mirrored tasks of a scope as soon as the scope is selected
// 2. Subscribes to the persisted tasks of the scope and mirrors them
// 3. Applies local writes optimistically and rolls them back on failure
// 4. Merges optimistic, persisted and external tasks into the view
// 5. Spawns the next occurrence when a recurring task is completed
//
// OnView is called with the engine lock held. It must not call back into the
// Engine; hand the view to another goroutine if it needs to.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/bridge"
	"github.com/Mschirtzinger/tasksync/internal/buffer"
	"github.com/Mschirtzinger/tasksync/internal/merge"
	"github.com/Mschirtzinger/tasksync/internal/mirror"
	"github.com/Mschirtzinger/tasksync/internal/notify"
	"github.com/Mschirtzinger/tasksync/internal/recurrence"
	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/subscription"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Config holds configuration for the engine.
type Config struct {
	// Actor is the signed-in user.
	Actor string

	// Mirror caches the last confirmed tasks of each scope. Defaults to an
	// in-memory mirror.
	Mirror *mirror.Mirror

	// Bridge links projects to an external task service. Optional.
	Bridge *bridge.Bridge

	// Notifier receives assignment and completion notifications. Optional.
	Notifier notify.Notifier

	// RetryBackoff, InLimit and Clock configure the subscriptions.
	RetryBackoff time.Duration
	InLimit      int
	Clock        subscription.Clock

	// OnView receives every new view.
	OnView func(View)

	// OnError receives one error per failed write.
	OnError func(error)

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryBackoff: 5 * time.Second,
		InLimit:      subscription.DefaultInLimit,
		Clock:        subscription.RealClock{},
		Now:          time.Now,
		Logger:       log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// View is the merged task list of a scope.
type View struct {
	Scope schema.Scope
	Tasks []schema.Task
	// Source is where the persisted part of the view came from.
	Source subscription.Source
	// Err is set while the subscription is degraded.
	Err error
	// Pending is the number of local writes the store has not acknowledged.
	Pending int
}

// Engine keeps the view of one scope at a time. It is safe for concurrent
// use.
type Engine struct {
	store    remote.Store
	config   *Config
	buf      *buffer.Buffer
	subs     *subscription.Manager
	expander *recurrence.Expander

	mu        sync.Mutex
	gen       uint64
	scope     schema.Scope
	sub       *subscription.Subscription
	persisted []schema.Task
	external  []schema.Task
	source    subscription.Source
	lastErr   error
	// owner is the scope each buffered task was written from.
	owner map[string]schema.Scope

	closed  bool
	watcher *mirror.Watcher

	wg     sync.WaitGroup
	writes sync.WaitGroup
	tailMu sync.Mutex
	tail   chan struct{}
}

// New creates an Engine over store.
func New(store remote.Store, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Mirror == nil {
		config.Mirror = mirror.New(mirror.NewMapStore(0), config.Logger)
	}

	buf := buffer.New()
	buf.SetClock(config.Now)
	expander := recurrence.New()
	expander.Now = config.Now

	subs := subscription.NewManager(store, config.Mirror, &subscription.Config{
		Actor:        config.Actor,
		RetryBackoff: config.RetryBackoff,
		InLimit:      config.InLimit,
		Clock:        config.Clock,
		Logger:       config.Logger,
	})

	return &Engine{
		store:    store,
		config:   config,
		buf:      buf,
		subs:     subs,
		expander: expander,
		owner:    make(map[string]schema.Scope),
	}, nil
}

// Scope returns the selected scope.
func (e *Engine) Scope() schema.Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

// Tasks returns the current view.
func (e *Engine) Tasks() []schema.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// Mode returns the connection state of the current subscription.
func (e *Engine) Mode() subscription.Mode {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if sub == nil {
		return subscription.ModeIdle
	}
	return sub.Mode()
}

// Warnings returns how many delivered records were dropped for a scope
// mismatch.
func (e *Engine) Warnings() int64 {
	return e.subs.Warnings()
}

// SetScope switches the view to scope. The view is cleared and the old
// subscription cancelled before anything of the new scope is shown.
func (e *Engine) SetScope(scope schema.Scope) error {
	if scope.IsZero() {
		return &syncerr.ValidationError{Field: "scope", Reason: "is required"}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	e.gen++
	gen := e.gen
	old, oldScope := e.sub, e.scope
	e.sub = nil
	e.persisted, e.external, e.lastErr = nil, nil, nil
	if !oldScope.IsZero() {
		e.emitLocked(View{Scope: oldScope, Tasks: []schema.Task{}, Source: subscription.SourceCache})
	}
	e.scope = scope
	// Acknowledged writes of other scopes are in their mirror already.
	foreign := func(id string) bool { return e.owner[id] != scope }
	for _, id := range e.buf.DropAcked(foreign) {
		delete(e.owner, id)
	}
	e.mu.Unlock()

	if old != nil {
		old.Cancel()
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.persisted = e.config.Mirror.Load(scope.Key())
	e.source = subscription.SourceCache
	e.publishLocked()
	sub := e.subs.Subscribe(scope, func(u subscription.Update) { e.onUpdate(gen, u) })
	e.sub = sub
	e.mu.Unlock()

	e.config.Logger.Printf("viewing %s", scope)
	return sub.Start()
}

func (e *Engine) onUpdate(gen uint64, u subscription.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}

	e.persisted = u.Tasks
	e.source = u.Source
	e.lastErr = u.Err
	switch u.Source {
	case subscription.SourceLive:
		e.config.Mirror.Save(u.Scope.Key(), u.Tasks)
		owned := func(id string) bool { return e.owner[id] == u.Scope }
		for _, id := range e.buf.ReconcileWhere(u.Tasks, owned) {
			delete(e.owner, id)
		}
	default:
		if u.Err != nil {
			e.config.Logger.Printf("%s degraded (%s): %v", u.Scope, u.Source, u.Err)
		}
	}
	e.publishLocked()
}

// Create adds a task to the current scope. The returned task is in the view
// before the remote write is issued. A failed write removes it again and is
// reported through OnError.
func (e *Engine) Create(ctx context.Context, draft schema.Task) (schema.Task, error) {
	e.mu.Lock()
	scope := e.scope
	task, seq, err := e.createLocked(scope, draft)
	e.mu.Unlock()
	if err != nil {
		return schema.Task{}, err
	}
	e.issueCreate(ctx, scope, task, seq)
	return task, nil
}

// createLocked buffers draft as written from scope. e.mu must be held.
func (e *Engine) createLocked(scope schema.Scope, draft schema.Task) (schema.Task, uint64, error) {
	if draft.ScopeID == "" && scope.Kind == schema.ScopeProject {
		draft.ScopeID = scope.ID
	}
	if draft.CreatedBy == "" {
		draft.CreatedBy = e.config.Actor
	}
	if e.config.Actor != "" {
		draft.Members = schema.Union(draft.Members, e.config.Actor)
	}
	task, seq, err := e.buf.Create(draft)
	if err != nil {
		return schema.Task{}, 0, err
	}
	e.owner[task.ID] = scope
	e.publishLocked()
	return task, seq, nil
}

func (e *Engine) issueCreate(ctx context.Context, scope schema.Scope, task schema.Task, seq uint64) {
	e.goWrite(ctx, func(ctx context.Context) {
		if err := e.store.Set(ctx, schema.CollectionTasks, task.ID, task.Fields()); err != nil {
			e.rollback(task.ID, seq, "create", err)
			return
		}
		e.confirm(scope, task, seq)
		e.notifyAssigned(ctx, task)
	})
}

// UpdateStatus changes the status of a task in the view. Completing a task
// with open subtasks or unfinished dependencies returns a
// *syncerr.BlockedError and changes nothing. Dependencies outside the view
// are looked up in the store first; one that neither the view nor the store
// can resolve does not block. Status changes of external tasks go to the
// external service only.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status schema.Status) error {
	if !status.IsValid() {
		return &syncerr.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	var outside []schema.Task
	if status == schema.StatusDone {
		outside = e.resolveDependencies(ctx, id)
	}

	e.mu.Lock()
	view := e.viewLocked()
	current, ok := schema.LookupIn(view)(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, syncerr.ErrNotFound)
	}
	if current.Status == status {
		e.mu.Unlock()
		return nil
	}
	if status == schema.StatusDone {
		if err := schema.CheckCompletable(current, schema.LookupIn(append(slices.Clone(view), outside...))); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	if current.Origin == schema.OriginExternal {
		err := e.updateExternalLocked(ctx, current, status)
		e.mu.Unlock()
		return err
	}

	scope := e.scope
	next, seq, err := e.buf.UpdateStatus(current, status)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.owner[id] = scope
	e.publishLocked()
	e.mu.Unlock()

	prev := current.Status
	e.goWrite(ctx, func(ctx context.Context) {
		err := e.store.Update(ctx, schema.CollectionTasks, id, map[string]any{schema.FieldStatus: string(status)})
		if err != nil {
			e.rollback(id, seq, "status update", err)
			return
		}
		e.confirm(scope, next, seq)
		if recurrence.Triggers(prev, status) {
			e.completed(ctx, scope, prev, next)
		}
	})
	return nil
}

// resolveDependencies fetches the dependencies of task id that are not in
// the view. The query pins members to the actor so the store's read rules
// can allow it; a failed lookup leaves the dependencies unresolved.
func (e *Engine) resolveDependencies(ctx context.Context, id string) []schema.Task {
	e.mu.Lock()
	view := e.viewLocked()
	current, ok := schema.LookupIn(view)(id)
	var missing []any
	if ok {
		inView := schema.LookupIn(view)
		for _, dep := range current.Dependencies {
			if _, found := inView(dep); !found && dep != id {
				missing = append(missing, dep)
			}
		}
	}
	e.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	limit := e.config.InLimit
	if limit <= 0 {
		limit = subscription.DefaultInLimit
	}
	var out []schema.Task
	for chunk := range slices.Chunk(missing, limit) {
		q := remote.NewQuery(schema.CollectionTasks,
			remote.In(remote.FieldDocumentID, chunk),
			remote.ArrayContains(schema.FieldMembers, e.config.Actor))
		docs, err := e.store.Query(ctx, q)
		if err != nil {
			e.config.Logger.Printf("Warning: failed to resolve dependencies of %s: %v", id, err)
			continue
		}
		for _, doc := range docs {
			task, err := schema.TaskFromFields(doc.ID, doc.Fields)
			if err != nil {
				e.config.Logger.Printf("Warning: skipping undecodable dependency %s: %v", doc.ID, err)
				continue
			}
			out = append(out, task)
		}
	}
	return out
}

// updateExternalLocked shows the new status at once and pushes it to the
// external service. e.mu must be held.
func (e *Engine) updateExternalLocked(ctx context.Context, current schema.Task, status schema.Status) error {
	if e.config.Bridge == nil {
		return &syncerr.ValidationError{Field: "origin", Reason: "no external bridge configured"}
	}
	e.setExternalStatusLocked(current.ID, status)
	e.publishLocked()

	b := e.config.Bridge
	e.goWrite(ctx, func(ctx context.Context) {
		if err := b.PushStatus(ctx, current, status); err != nil {
			e.mu.Lock()
			e.setExternalStatusLocked(current.ID, current.Status)
			e.publishLocked()
			e.mu.Unlock()
			e.report(err)
		}
	})
	return nil
}

func (e *Engine) setExternalStatusLocked(id string, status schema.Status) {
	for i := range e.external {
		if e.external[i].ID == id {
			e.external[i].Status = status
		}
	}
}

// Remove deletes a task. It disappears from the view at once.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	current, ok := schema.LookupIn(e.viewLocked())(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, syncerr.ErrNotFound)
	}
	if current.Origin == schema.OriginExternal {
		e.mu.Unlock()
		return &syncerr.ValidationError{Field: "origin", Reason: "external tasks are removed in the external service"}
	}
	scope := e.scope
	seq := e.buf.Remove(current)
	e.owner[id] = scope
	e.publishLocked()
	e.mu.Unlock()

	e.goWrite(ctx, func(ctx context.Context) {
		if err := e.store.Delete(ctx, schema.CollectionTasks, id); err != nil {
			e.rollback(id, seq, "delete", err)
			return
		}
		e.mu.Lock()
		e.config.Mirror.Delete(scope.Key(), id)
		e.persisted = slices.DeleteFunc(slices.Clone(e.persisted), func(t schema.Task) bool { return t.ID == id })
		e.buf.Confirm(id, seq)
		e.publishLocked()
		e.mu.Unlock()
	})
	return nil
}

// RefreshExternal pulls the external tasks linked to project into the view.
// It does nothing unless project is the selected scope and a bridge is
// configured.
func (e *Engine) RefreshExternal(ctx context.Context, project schema.Project) error {
	if e.config.Bridge == nil {
		return nil
	}
	e.mu.Lock()
	gen := e.gen
	if e.scope != schema.ProjectScope(project.ID) {
		e.mu.Unlock()
		return nil
	}
	persisted := slices.Clone(e.persisted)
	e.mu.Unlock()

	ext, err := e.config.Bridge.Pull(ctx, project, persisted)
	if err != nil {
		if syncerr.IsFatal(err) {
			e.report(err)
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return nil
	}
	e.external = schema.Views(ext)
	e.publishLocked()
	return nil
}

// CreateExternal adds a task to the external list linked to project.
func (e *Engine) CreateExternal(ctx context.Context, project schema.Project, draft schema.Task) (schema.Task, error) {
	if e.config.Bridge == nil {
		return schema.Task{}, &syncerr.ValidationError{Field: "origin", Reason: "no external bridge configured"}
	}
	ext, err := e.config.Bridge.CreateTask(ctx, project, draft)
	if err != nil {
		if syncerr.IsFatal(err) {
			e.report(err)
		}
		return schema.Task{}, err
	}
	task := ext.View()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scope == schema.ProjectScope(project.ID) {
		e.external = append(e.external, task)
		e.publishLocked()
	}
	return task, nil
}

// WatchMirror reloads the view from the mirror when another process changes
// it while the subscription is not live. Stop the watcher with Close.
func (e *Engine) WatchMirror(w *mirror.Watcher) {
	e.mu.Lock()
	e.watcher = w
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case c, ok := <-w.Changes():
				if !ok {
					return
				}
				e.mirrorChanged(c)
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				e.config.Logger.Printf("mirror watch error: %v", err)
			}
		}
	}()
}

func (e *Engine) mirrorChanged(c mirror.Change) {
	if e.Mode() == subscription.ModeLive {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scope.IsZero() || c.Key != e.scope.Key() || e.source != subscription.SourceCache {
		return
	}
	e.config.Logger.Printf("mirror of %s changed on disk, reloading", e.scope)
	e.persisted = e.config.Mirror.Load(c.Key)
	e.publishLocked()
}

// Flush waits for every issued write to finish.
func (e *Engine) Flush() {
	e.writes.Wait()
}

// Close cancels the subscription, waits for pending writes and stops the
// mirror watcher.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.gen++
	sub, w := e.sub, e.watcher
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	var err error
	if w != nil {
		err = w.Stop()
	}
	e.writes.Wait()
	e.wg.Wait()
	return err
}

// goWrite runs write on its own goroutine after every earlier write has
// finished, so mutations reach the store in the order they were issued.
func (e *Engine) goWrite(ctx context.Context, write func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)

	e.tailMu.Lock()
	prev := e.tail
	done := make(chan struct{})
	e.tail = done
	e.writes.Add(1)
	e.tailMu.Unlock()

	go func() {
		defer e.writes.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		write(ctx)
	}()
}

// confirm applies a successful write: the task is written through to the
// mirror and its buffer entry is marked acknowledged. The entry keeps the
// task in the view until the subscription delivers the same id.
func (e *Engine) confirm(scope schema.Scope, task schema.Task, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	persisted := task.Clone()
	persisted.Origin = schema.OriginPersisted
	if belongs(scope, persisted) {
		e.config.Mirror.Upsert(scope.Key(), persisted)
		if e.scope == scope {
			e.persisted = upsert(e.persisted, persisted)
		}
	}
	e.buf.Confirm(task.ID, seq)
	e.publishLocked()
}

// rollback restores the prior state of a failed write and reports the error
// once. A failure of a superseded mutation is ignored.
func (e *Engine) rollback(id string, seq uint64, op string, err error) {
	err = syncerr.Classify(op, err)

	e.mu.Lock()
	_, applied := e.buf.Fail(id, seq)
	if applied {
		delete(e.owner, id)
		e.publishLocked()
	}
	e.mu.Unlock()

	if !applied {
		e.config.Logger.Printf("ignoring failure of superseded %s of %s: %v", op, id, err)
		return
	}
	e.config.Logger.Printf("%s of %s failed, rolled back: %v", op, id, err)
	e.report(fmt.Errorf("failed to %s task %s: %w", op, id, err))
}

// completed spawns the next occurrence of a recurring task and notifies its
// creator.
func (e *Engine) completed(ctx context.Context, scope schema.Scope, prev schema.Status, task schema.Task) {
	if e.config.Notifier != nil && task.CreatedBy != "" && task.CreatedBy != e.config.Actor {
		e.config.Notifier.Notify(ctx, notify.Notification{
			UserID: task.CreatedBy, Kind: notify.KindCompleted, TaskID: task.ID,
			Text: task.Text, ScopeID: task.ScopeID, Actor: e.config.Actor,
		})
	}

	next, err := e.expander.Expand(prev, task)
	if err != nil {
		e.config.Logger.Printf("failed to expand recurrence of %s: %v", task.ID, err)
		return
	}
	if next == nil {
		return
	}
	e.config.Logger.Printf("spawning occurrence %d of %s due %s", next.Recurrence.OccurrenceCount, task.ID, next.DueDate)
	e.mu.Lock()
	spawned, seq, err := e.createLocked(scope, *next)
	e.mu.Unlock()
	if err != nil {
		e.report(fmt.Errorf("failed to create next occurrence of %s: %w", task.ID, err))
		return
	}
	e.issueCreate(ctx, scope, spawned, seq)
}

func (e *Engine) notifyAssigned(ctx context.Context, task schema.Task) {
	if e.config.Notifier == nil {
		return
	}
	for _, uid := range task.AssignedTo {
		if uid == e.config.Actor {
			continue
		}
		e.config.Notifier.Notify(ctx, notify.Notification{
			UserID: uid, Kind: notify.KindAssigned, TaskID: task.ID,
			Text: task.Text, ScopeID: task.ScopeID, Actor: e.config.Actor,
		})
	}
}

func (e *Engine) report(err error) {
	if e.config.OnError != nil {
		e.config.OnError(err)
	}
}

// viewLocked merges the sources of the current scope. e.mu must be held.
func (e *Engine) viewLocked() []schema.Task {
	var optimistic []schema.Task
	for _, t := range e.buf.Tasks() {
		if e.owner[t.ID] == e.scope {
			optimistic = append(optimistic, t)
		}
	}
	return merge.Sources{
		Optimistic: optimistic,
		Persisted:  e.persisted,
		External:   e.external,
		Hidden:     e.buf.Hidden(),
	}.View()
}

func (e *Engine) publishLocked() {
	if e.scope.IsZero() {
		return
	}
	e.emitLocked(View{
		Scope:   e.scope,
		Tasks:   e.viewLocked(),
		Source:  e.source,
		Err:     e.lastErr,
		Pending: e.buf.Unacked(),
	})
}

func (e *Engine) emitLocked(v View) {
	if e.config.OnView != nil {
		e.config.OnView(v)
	}
}

func belongs(scope schema.Scope, t schema.Task) bool {
	switch scope.Kind {
	case schema.ScopeProject:
		return t.ScopeID == scope.ID
	case schema.ScopeUser:
		return slices.Contains(t.AssignedTo, scope.ID)
	default:
		return t.ScopeID != ""
	}
}

func upsert(tasks []schema.Task, t schema.Task) []schema.Task {
	out := slices.Clone(tasks)
	for i := range out {
		if out[i].ID == t.ID {
			out[i] = t
			return out
		}
	}
	return append(out, t)
}
