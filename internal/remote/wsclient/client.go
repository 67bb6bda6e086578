// Package wsclient implements remote.Store against a relay over WebSocket.
//
// Live queries are multiplexed on one connection. When the connection drops,
// every open listener receives a transient error and every later call fails
// fast with the same error; callers redial to recover.
package wsclient

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// Config holds client configuration
type Config struct {
	// URL of the relay WebSocket endpoint, e.g. ws://127.0.0.1:8377/ws.
	URL string

	// Actor is the user id the connection authenticates as.
	Actor string

	// WriteTimeout bounds sending one frame (default: 10s).
	WriteTimeout time.Duration

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// Client is a remote.Store backed by a relay connection.
type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nextID atomic.Int64

	mu      sync.Mutex
	watches map[int64]*watch
	pending map[int64]chan remote.Frame
	err     error
}

var _ remote.Store = (*Client)(nil)

// Dial connects to a relay.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if config == nil || config.URL == "" {
		return nil, &syncerr.ValidationError{Field: "url", Reason: "relay url is required"}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	timeout := config.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	header := http.Header{}
	if config.Actor != "" {
		header.Set("Authorization", "Bearer "+config.Actor)
	}
	conn, _, err := websocket.Dial(ctx, config.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &syncerr.TransientNetworkError{Op: "dial " + config.URL, Err: err}
	}
	conn.SetReadLimit(16 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:         conn,
		writeTimeout: timeout,
		logger:       logger,
		ctx:          cctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		watches:      make(map[int64]*watch),
		pending:      make(map[int64]chan remote.Frame),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection. Open listeners receive no further callbacks.
func (c *Client) Close() error {
	c.mu.Lock()
	for id, w := range c.watches {
		w.closed.Store(true)
		delete(c.watches, id)
	}
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}

func (c *Client) send(ctx context.Context, f remote.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, f); err != nil {
		return &syncerr.TransientNetworkError{Op: string(f.Type), Err: err}
	}
	return nil
}

// Watch implements remote.Store. The first snapshot, or a denial, arrives
// asynchronously. Handlers run on the read goroutine, so a handler may open or
// close listeners but must not wait on Query or a write.
func (c *Client) Watch(ctx context.Context, q remote.Query, h remote.Handler) (remote.Listener, error) {
	if h.OnSnapshot == nil {
		return nil, &syncerr.ValidationError{Field: "handler", Reason: "OnSnapshot is required"}
	}

	w := &watch{id: c.nextID.Add(1), query: q, handler: h, client: c}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.watches[w.id] = w
	c.mu.Unlock()

	if err := c.send(ctx, remote.Frame{Type: remote.FrameWatch, ID: w.id, Query: &q}); err != nil {
		c.forget(w.id)
		return nil, err
	}
	return w, nil
}

// Query implements remote.Store.
func (c *Client) Query(ctx context.Context, q remote.Query) ([]remote.Document, error) {
	f, err := c.request(ctx, "query "+q.String(), remote.Frame{Type: remote.FrameQuery, Query: &q})
	if err != nil {
		return nil, err
	}
	return f.Docs, nil
}

// Set implements remote.Store.
func (c *Client) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := c.request(ctx, "set "+collection+"/"+id, remote.Frame{
		Type: remote.FrameWrite, Op: remote.WriteSet, Collection: collection, DocID: id, Fields: fields,
	})
	return err
}

// Update implements remote.Store.
func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := c.request(ctx, "update "+collection+"/"+id, remote.Frame{
		Type: remote.FrameWrite, Op: remote.WriteUpdate, Collection: collection, DocID: id, Fields: fields,
	})
	return err
}

// Delete implements remote.Store.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.request(ctx, "delete "+collection+"/"+id, remote.Frame{
		Type: remote.FrameWrite, Op: remote.WriteDelete, Collection: collection, DocID: id,
	})
	return err
}

// ArrayUnion implements remote.Store.
func (c *Client) ArrayUnion(ctx context.Context, collection, id, field string, values []any) error {
	_, err := c.request(ctx, "arrayUnion "+collection+"/"+id, remote.Frame{
		Type: remote.FrameWrite, Op: remote.WriteArrayUnion, Collection: collection, DocID: id, Field: field, Values: values,
	})
	return err
}

// request sends f and waits for the frame that answers it.
func (c *Client) request(ctx context.Context, op string, f remote.Frame) (remote.Frame, error) {
	f.ID = c.nextID.Add(1)
	reply := make(chan remote.Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return remote.Frame{}, err
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, f); err != nil {
		return remote.Frame{}, err
	}

	select {
	case r := <-reply:
		if r.Type == remote.FrameError {
			return remote.Frame{}, syncerr.FromCode(op, r.Code, r.Message)
		}
		return r, nil
	case <-ctx.Done():
		return remote.Frame{}, syncerr.Classify(op, ctx.Err())
	case <-c.done:
		return remote.Frame{}, c.Err()
	}
}

func (c *Client) forget(id int64) *watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.watches[id]
	delete(c.watches, id)
	return w
}

func (c *Client) readLoop() {
	var err error
	for {
		var f remote.Frame
		if err = wsjson.Read(c.ctx, c.conn, &f); err != nil {
			break
		}
		c.dispatch(f)
	}
	c.teardown(err)
}

func (c *Client) dispatch(f remote.Frame) {
	switch f.Type {
	case remote.FrameSnapshot:
		c.mu.Lock()
		w := c.watches[f.ID]
		c.mu.Unlock()
		if w != nil && !w.closed.Load() {
			w.handler.OnSnapshot(f.Docs)
		}
	case remote.FrameError:
		if w := c.forget(f.ID); w != nil {
			if !w.closed.Swap(true) && w.handler.OnError != nil {
				w.handler.OnError(syncerr.FromCode("watch "+w.query.String(), f.Code, f.Message))
			}
			return
		}
		c.reply(f)
	case remote.FrameAck, remote.FrameResult:
		c.reply(f)
	default:
		c.logger.Printf("ignoring unknown frame %q", f.Type)
	}
}

func (c *Client) reply(f remote.Frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	c.mu.Unlock()
	if ch != nil {
		ch <- f
	}
}

// teardown fails every open listener once the connection is gone.
func (c *Client) teardown(cause error) {
	err := &syncerr.TransientNetworkError{Op: "relay connection", Err: fmt.Errorf("connection closed: %w", cause)}

	c.mu.Lock()
	c.err = err
	watches := c.watches
	c.watches = make(map[int64]*watch)
	c.mu.Unlock()
	close(c.done)

	for _, w := range watches {
		if !w.closed.Swap(true) && w.handler.OnError != nil {
			w.handler.OnError(err)
		}
	}
}

type watch struct {
	id      int64
	query   remote.Query
	handler remote.Handler
	client  *Client
	closed  atomic.Bool
}

// Close implements remote.Listener. A delivery already running on the read
// goroutine may finish after Close returns from another goroutine.
func (w *watch) Close() {
	if w.closed.Swap(true) {
		return
	}
	c := w.client
	if c.forget(w.id) == nil {
		return
	}
	if err := c.send(c.ctx, remote.Frame{Type: remote.FrameUnwatch, ID: w.id}); err != nil {
		c.logger.Printf("unwatch %s: %v", w.query, err)
	}
}
