package wsclient

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// scriptedRelay answers every frame with reply(frame) and records the
// authorization header of the handshake.
func scriptedRelay(t *testing.T, reply func(remote.Frame) []remote.Frame) (*httptest.Server, chan string) {
	t.Helper()
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			var f remote.Frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			for _, out := range reply(f) {
				if err := wsjson.Write(ctx, conn, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func dialScripted(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, &Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Actor:  "alice",
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDial_RequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), &Config{})
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("Dial() error = %v, want validation error", err)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, &Config{URL: "ws://127.0.0.1:1/ws", Logger: log.New(io.Discard, "", 0)})
	if !syncerr.IsRetryable(err) {
		t.Errorf("Dial() error = %v, want retryable", err)
	}
}

func TestRequest_ErrorCodes(t *testing.T) {
	srv, auth := scriptedRelay(t, func(f remote.Frame) []remote.Frame {
		switch f.Type {
		case remote.FrameQuery:
			return []remote.Frame{{Type: remote.FrameError, ID: f.ID, Code: syncerr.CodeFailedPrecondition, Message: "index required"}}
		case remote.FrameWrite:
			return []remote.Frame{{Type: remote.FrameError, ID: f.ID, Code: syncerr.CodeUnavailable, Message: "try later"}}
		}
		return nil
	})
	c := dialScripted(t, srv)

	if got := <-auth; got != "Bearer alice" {
		t.Errorf("Authorization = %q, want Bearer alice", got)
	}

	_, err := c.Query(context.Background(), remote.NewQuery("tasks", remote.Eq("scopeId", "p1")))
	if !errors.Is(err, syncerr.ErrMissingIndex) {
		t.Errorf("Query() error = %v, want missing index", err)
	}

	err = c.Delete(context.Background(), "tasks", "t1")
	if !syncerr.IsRetryable(err) {
		t.Errorf("Delete() error = %v, want retryable", err)
	}
}

func TestWatch_SnapshotsUntilClosed(t *testing.T) {
	srv, _ := scriptedRelay(t, func(f remote.Frame) []remote.Frame {
		if f.Type != remote.FrameWatch {
			return nil
		}
		doc := remote.Document{Collection: "tasks", ID: "t1", Fields: map[string]any{"text": "Draft"}}
		return []remote.Frame{
			{Type: remote.FrameSnapshot, ID: f.ID, Docs: []remote.Document{doc}},
			{Type: remote.FrameSnapshot, ID: f.ID + 1000},
		}
	})
	c := dialScripted(t, srv)

	got := make(chan []remote.Document, 4)
	l, err := c.Watch(context.Background(), remote.NewQuery("tasks"), remote.Handler{
		OnSnapshot: func(docs []remote.Document) { got <- docs },
	})
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	select {
	case docs := <-got:
		if len(docs) != 1 || docs[0].ID != "t1" {
			t.Errorf("snapshot = %+v, want t1", docs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	l.Close()
	l.Close()

	select {
	case docs := <-got:
		t.Errorf("snapshot for an unknown watch was delivered: %+v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}
