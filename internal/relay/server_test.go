package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/db"
	"github.com/Mschirtzinger/tasksync/internal/mirror"
	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/remote/wsclient"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/subscription"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

// startRelay seeds a store with project p1 owned by alice and starts a relay
// on a free port.
func startRelay(t *testing.T) (*Server, *remote.MemStore) {
	t.Helper()
	store := remote.NewMemStore(quiet())
	ctx := context.Background()
	seed := []remote.Document{
		{Collection: "projects", ID: "p1", Fields: map[string]any{"name": "Launch", "members": []any{"alice"}, "ownerId": "alice"}},
		{Collection: "tasks", ID: "t1", Fields: map[string]any{"scopeId": "p1", "text": "Draft", "status": "todo", "createdBy": "alice", "assignedTo": []any{"bob"}}},
		{Collection: "tasks", ID: "t2", Fields: map[string]any{"scopeId": "p1", "text": "Review", "status": "todo", "createdBy": "alice"}},
	}
	for _, d := range seed {
		if err := store.Set(ctx, d.Collection, d.ID, d.Fields); err != nil {
			t.Fatalf("seed %s: %v", d.ID, err)
		}
	}

	server := NewServer(store, &Config{Addr: "127.0.0.1:0", EnforceMembership: true, Logger: quiet()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server, store
}

func dial(t *testing.T, server *Server, actor string) *wsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := wsclient.Dial(ctx, &wsclient.Config{URL: "ws://" + server.GetAddr() + "/ws", Actor: actor, Logger: quiet()})
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type events struct {
	snapshots chan []remote.Document
	errs      chan error
}

func watchEvents(t *testing.T, c *wsclient.Client, q remote.Query) (*events, remote.Listener) {
	t.Helper()
	ev := &events{snapshots: make(chan []remote.Document, 16), errs: make(chan error, 1)}
	l, err := c.Watch(context.Background(), q, remote.Handler{
		OnSnapshot: func(docs []remote.Document) { ev.snapshots <- docs },
		OnError:    func(err error) { ev.errs <- err },
	})
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	return ev, l
}

func (ev *events) next(t *testing.T) []remote.Document {
	t.Helper()
	select {
	case docs := <-ev.snapshots:
		return docs
	case err := <-ev.errs:
		t.Fatalf("unexpected watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func (ev *events) failure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ev.errs:
		return err
	case docs := <-ev.snapshots:
		t.Fatalf("unexpected snapshot with %d docs", len(docs))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch error")
	}
	return nil
}

func TestServerHealth(t *testing.T) {
	server, _ := startRelay(t)
	dial(t, server, "alice")

	// The handler registers the client after the handshake completes.
	for i := 0; i < 50 && server.ClientCount() == 0; i++ {
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Clients != 1 {
		t.Errorf("clients = %d, want 1", body.Clients)
	}
}

func TestWatch_SnapshotThenWrite(t *testing.T) {
	server, store := startRelay(t)
	c := dial(t, server, "alice")

	ev, l := watchEvents(t, c, remote.NewQuery("tasks", remote.Eq("scopeId", "p1")))
	defer l.Close()

	if docs := ev.next(t); len(docs) != 2 {
		t.Fatalf("initial snapshot has %d docs, want 2", len(docs))
	}

	err := c.Set(context.Background(), "tasks", "t3", map[string]any{"scopeId": "p1", "text": "Ship", "createdBy": "alice"})
	if err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	// The snapshot caused by the write is queued before its ack.
	select {
	case docs := <-ev.snapshots:
		if len(docs) != 3 {
			t.Errorf("snapshot after write has %d docs, want 3", len(docs))
		}
	default:
		t.Fatal("snapshot did not arrive before the write was acknowledged")
	}

	if _, ok := store.Get("tasks", "t3"); !ok {
		t.Error("write did not reach the store")
	}
}

func TestWatch_DeniedForNonMember(t *testing.T) {
	server, _ := startRelay(t)
	c := dial(t, server, "bob")

	ev, _ := watchEvents(t, c, remote.NewQuery("tasks", remote.Eq("scopeId", "p1")))
	err := ev.failure(t)
	if !errors.Is(err, syncerr.ErrAuthorization) {
		t.Errorf("watch error = %v, want authorization error", err)
	}
	if !syncerr.IsFallbackTrigger(err) {
		t.Error("denial should trigger the fallback path")
	}
}

func TestQueryAndWriteErrors(t *testing.T) {
	server, _ := startRelay(t)
	c := dial(t, server, "alice")
	ctx := context.Background()

	docs, err := c.Query(ctx, remote.NewQuery("tasks", remote.Eq("createdBy", "alice")))
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("Query() returned %d docs, want 2", len(docs))
	}

	// Another user's assignments are not readable without naming the scope.
	_, err = c.Query(ctx, remote.NewQuery("tasks", remote.ArrayContains("assignedTo", "bob")))
	if !errors.Is(err, syncerr.ErrAuthorization) {
		t.Errorf("Query(assignedTo bob) = %v, want authorization error", err)
	}

	err = c.Update(ctx, "tasks", "missing", map[string]any{"status": "done"})
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Update(missing) = %v, want not found", err)
	}
}

func TestSubscription_FallbackOverRelay(t *testing.T) {
	server, _ := startRelay(t)
	c := dial(t, server, "bob")

	updates := make(chan subscription.Update, 16)
	mgr := subscription.NewManager(c, mirror.New(mirror.NewMapStore(0), quiet()), &subscription.Config{
		Actor:  "bob",
		Logger: quiet(),
	})
	sub := mgr.Subscribe(schema.ProjectScope("p1"), func(u subscription.Update) { updates <- u })
	if err := sub.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sub.Cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Source != subscription.SourceFallback {
				continue
			}
			if len(u.Tasks) != 1 || u.Tasks[0].ID != "t1" {
				t.Fatalf("fallback tasks = %+v, want only t1", u.Tasks)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for fallback update")
		}
	}
}

func TestConnectionLossFailsListeners(t *testing.T) {
	server, _ := startRelay(t)
	c := dial(t, server, "alice")

	ev, _ := watchEvents(t, c, remote.NewQuery("tasks", remote.Eq("scopeId", "p1")))
	ev.next(t)

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	err := ev.failure(t)
	if !syncerr.IsRetryable(err) {
		t.Errorf("connection loss error = %v, want retryable", err)
	}
	if err := c.Set(context.Background(), "tasks", "t9", map[string]any{}); err == nil {
		t.Error("write on a dead connection succeeded")
	}
}

func TestOpenStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	store, err := OpenStore(ctx, database, quiet())
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	if err := store.Set(ctx, "tasks", "t1", map[string]any{"text": "Draft", "scopeId": "p1"}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := store.Set(ctx, "tasks", "t2", map[string]any{"text": "Gone"}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := store.Delete(ctx, "tasks", "t2"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	_ = database.Close()

	database, err = db.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer database.Close()
	reopened, err := OpenStore(ctx, database, quiet())
	if err != nil {
		t.Fatalf("OpenStore() after reopen failed: %v", err)
	}

	fields, ok := reopened.Get("tasks", "t1")
	if !ok || fields["text"] != "Draft" {
		t.Errorf("t1 after reopen = %v (found %v)", fields, ok)
	}
	if _, ok := reopened.Get("tasks", "t2"); ok {
		t.Error("deleted document came back after reopen")
	}
}
