package mirror

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Mschirtzinger/tasksync/internal/db"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

func testTasks() []schema.Task {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return []schema.Task{
		{ID: "t1", ScopeID: "42", Text: "first", Status: schema.StatusTodo, CreatedAt: created, Origin: schema.OriginPersisted},
		{ID: "t2", ScopeID: "42", Text: "second", Status: schema.StatusDone, CreatedAt: created, Origin: schema.OriginPersisted},
	}
}

// stores returns every Store implementation, each fresh.
func stores(t *testing.T, maxBytes int) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "mirror"), maxBytes)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	database, err := db.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	return map[string]Store{
		"map":  NewMapStore(maxBytes),
		"file": fs,
		"sql":  NewSQLStore(database, maxBytes),
	}
}

func TestStores_GetSetRemove(t *testing.T) {
	for name, store := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get("project:42"); !errors.Is(err, ErrMissing) {
				t.Fatalf("expected ErrMissing, got %v", err)
			}
			if err := store.Set("project:42", "[1]"); err != nil {
				t.Fatalf("Set() failed: %v", err)
			}
			got, err := store.Get("project:42")
			if err != nil || got != "[1]" {
				t.Fatalf("Get() = %q, %v", got, err)
			}
			if err := store.Remove("project:42"); err != nil {
				t.Fatalf("Remove() failed: %v", err)
			}
			if err := store.Remove("project:42"); err != nil {
				t.Errorf("removing a missing key should succeed: %v", err)
			}
			if _, err := store.Get("project:42"); !errors.Is(err, ErrMissing) {
				t.Errorf("expected ErrMissing after remove, got %v", err)
			}
		})
	}
}

func TestStores_Quota(t *testing.T) {
	for name, store := range stores(t, 10) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set("a", "12345"); err != nil {
				t.Fatalf("Set() failed: %v", err)
			}
			// Replacing a key only counts its new size.
			if err := store.Set("a", "1234567"); err != nil {
				t.Fatalf("Set() replace failed: %v", err)
			}
			err := store.Set("b", "12345")
			var quota *syncerr.QuotaError
			if !errors.As(err, &quota) {
				t.Fatalf("expected QuotaError, got %v", err)
			}
			if quota.Limit != 10 {
				t.Errorf("limit = %d, want 10", quota.Limit)
			}
		})
	}
}

func TestMirror_SaveLoad(t *testing.T) {
	for name, store := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			m := New(store, log.New(io.Discard, "", 0))
			want := testTasks()
			m.Save("project:42", want)

			if diff := cmp.Diff(want, m.Load("project:42")); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
			if got := m.Load("project:7"); got == nil || len(got) != 0 {
				t.Errorf("absent key should load as empty slice, got %#v", got)
			}

			m.Invalidate("project:42")
			if got := m.Load("project:42"); len(got) != 0 {
				t.Errorf("expected empty after invalidate, got %d", len(got))
			}
		})
	}
}

func TestMirror_SaveDedups(t *testing.T) {
	m := New(NewMapStore(0), log.New(io.Discard, "", 0))
	tasks := testTasks()
	dup := tasks[0]
	dup.Text = "first, edited"
	m.Save("k", append(tasks, dup))

	got := m.Load("k")
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].ID != "t1" || got[0].Text != "first, edited" {
		t.Errorf("expected last value at first position, got %+v", got[0])
	}
}

func TestMirror_UnreadableLoadsEmpty(t *testing.T) {
	store := NewMapStore(0)
	if err := store.Set("k", "{not json"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	m := New(store, log.New(io.Discard, "", 0))
	if got := m.Load("k"); len(got) != 0 {
		t.Errorf("expected empty load, got %v", got)
	}
}

func TestMirror_QuotaIsLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	m := New(NewMapStore(16), log.New(&buf, "", 0))
	m.Save("k", testTasks())

	if !strings.Contains(buf.String(), "uncached") {
		t.Errorf("expected quota to be logged, got %q", buf.String())
	}
	if got := m.Load("k"); len(got) != 0 {
		t.Errorf("nothing should be cached, got %d", len(got))
	}
}

func TestMirror_UpsertDelete(t *testing.T) {
	m := New(NewMapStore(0), log.New(io.Discard, "", 0))
	m.Save("k", testTasks())

	edited := testTasks()[1]
	edited.Status = schema.StatusTodo
	edited.Origin = schema.OriginOptimistic
	m.Upsert("k", edited)
	m.Upsert("k", schema.Task{ID: "t3", Text: "third"})

	got := m.Load("k")
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}
	if got[1].Status != schema.StatusTodo || got[1].Origin != schema.OriginPersisted {
		t.Errorf("upsert should replace in place as persisted, got %+v", got[1])
	}

	m.Delete("k", "t1")
	m.Delete("k", "missing")
	got = m.Load("k")
	if len(got) != 2 || got[0].ID != "t2" {
		t.Errorf("unexpected tasks after delete: %+v", got)
	}
}

func TestFileStore_Watch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mirror")
	store, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	w, err := store.Watch()
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer w.Stop()

	// Another process writes the mirror file.
	if err := os.WriteFile(store.Path("project:42"), []byte("[]"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	// Non-mirror files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case change := <-w.Changes():
		if change.Key != "project:42" || change.Op != ChangeWrite {
			t.Errorf("unexpected change %+v", change)
		}
	case err := <-w.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}
