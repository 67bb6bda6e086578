// Package relay serves a remote.MemStore to sync clients over WebSocket.
//
// Each connection authenticates as one user. Every live query and one-shot
// query it issues runs with that user as the actor, so the store's read rules
// decide what the connection may see. Snapshots are pushed as frames whenever a
// write touches a watched result set.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// MaxFrameBytes bounds a single frame in either direction.
const MaxFrameBytes = 16 << 20

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8377). Port 0 picks a free port.
	Addr string

	// EnforceMembership installs the membership read rule on the store.
	EnforceMembership bool

	// SendQueue is the number of frames buffered per connection.
	SendQueue int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:              "127.0.0.1:8377",
		EnforceMembership: true,
		SendQueue:         256,
		Logger:            log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// Server manages WebSocket connections on top of one store.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	store    *remote.MemStore
	queue    int

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a relay for store.
func NewServer(store *remote.MemStore, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	if config.SendQueue <= 0 {
		config.SendQueue = 256
	}
	if config.EnforceMembership {
		store.Use(remote.MembershipRule("tasks", "scopeId", store.ProjectMembership("projects", "members", "ownerId")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    config.Addr,
		store:   store,
		queue:   config.SendQueue,
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every connection and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay")
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	return err
}

// GetAddr returns the address the server is listening on
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// actorOf reads the user id from a bearer token or the actor query parameter.
func actorOf(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("actor"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket accept error: %v", err)
		return
	}
	conn.SetReadLimit(MaxFrameBytes)

	actor := actorOf(r)
	ctx, cancel := context.WithCancel(s.ctx)
	c := &client{
		conn:      conn,
		actor:     actor,
		ctx:       remote.WithActor(ctx, actor),
		cancel:    cancel,
		send:      make(chan remote.Frame, s.queue),
		listeners: make(map[int64]remote.Listener),
		store:     s.store,
		logger:    s.logger,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected as %q (total: %d)", actor, count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()

	c.readLoop()
	c.shutdown()
	s.removeClient(c)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client %q disconnected (total: %d)", c.actor, count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.ClientCount(),
		"watchers": s.store.Watchers(),
	})
}

// client is one authenticated connection.
type client struct {
	conn   *websocket.Conn
	actor  string
	ctx    context.Context
	cancel context.CancelFunc
	send   chan remote.Frame
	store  *remote.MemStore
	logger *log.Logger

	mu        sync.Mutex
	listeners map[int64]remote.Listener
}

func (c *client) readLoop() {
	for {
		var f remote.Frame
		if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && c.ctx.Err() == nil {
				c.logger.Printf("Read error from %q: %v", c.actor, err)
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := wsjson.Write(ctx, c.conn, f)
			cancel()
			if err != nil {
				c.logger.Printf("Write error to %q: %v", c.actor, err)
				c.cancel()
				return
			}
		}
	}
}

// enqueue hands a frame to the writer. It blocks while the queue is full and
// gives up once the connection is gone.
func (c *client) enqueue(f remote.Frame) {
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	}
}

func (c *client) fail(id int64, err error) {
	c.enqueue(remote.Frame{Type: remote.FrameError, ID: id, Code: syncerr.Code(err), Message: err.Error()})
}

func (c *client) dispatch(f remote.Frame) {
	switch f.Type {
	case remote.FrameWatch:
		c.watch(f)
	case remote.FrameUnwatch:
		c.mu.Lock()
		l := c.listeners[f.ID]
		delete(c.listeners, f.ID)
		c.mu.Unlock()
		if l != nil {
			l.Close()
		}
	case remote.FrameQuery:
		if f.Query == nil {
			c.fail(f.ID, &syncerr.ValidationError{Field: "query", Reason: "is required"})
			return
		}
		docs, err := c.store.Query(c.ctx, *f.Query)
		if err != nil {
			c.fail(f.ID, err)
			return
		}
		c.enqueue(remote.Frame{Type: remote.FrameResult, ID: f.ID, Docs: docs})
	case remote.FrameWrite:
		if err := c.write(f); err != nil {
			c.fail(f.ID, err)
			return
		}
		c.enqueue(remote.Frame{Type: remote.FrameAck, ID: f.ID})
	default:
		c.fail(f.ID, &syncerr.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

func (c *client) watch(f remote.Frame) {
	if f.Query == nil {
		c.fail(f.ID, &syncerr.ValidationError{Field: "query", Reason: "is required"})
		return
	}
	id := f.ID
	l, err := c.store.Watch(c.ctx, *f.Query, remote.Handler{
		OnSnapshot: func(docs []remote.Document) {
			c.enqueue(remote.Frame{Type: remote.FrameSnapshot, ID: id, Docs: docs})
		},
		OnError: func(err error) {
			c.fail(id, err)
		},
	})
	if err != nil {
		c.fail(id, err)
		return
	}

	c.mu.Lock()
	prev := c.listeners[id]
	c.listeners[id] = l
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (c *client) write(f remote.Frame) error {
	if f.Collection == "" || f.DocID == "" {
		return &syncerr.ValidationError{Field: "docId", Reason: "collection and document id are required"}
	}
	switch f.Op {
	case remote.WriteSet:
		return c.store.Set(c.ctx, f.Collection, f.DocID, f.Fields)
	case remote.WriteUpdate:
		return c.store.Update(c.ctx, f.Collection, f.DocID, f.Fields)
	case remote.WriteDelete:
		return c.store.Delete(c.ctx, f.Collection, f.DocID)
	case remote.WriteArrayUnion:
		return c.store.ArrayUnion(c.ctx, f.Collection, f.DocID, f.Field, f.Values)
	}
	return &syncerr.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown write %q", f.Op)}
}

// shutdown closes every live query of the connection.
func (c *client) shutdown() {
	c.cancel()
	c.mu.Lock()
	ls := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	for _, l := range ls {
		l.Close()
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
