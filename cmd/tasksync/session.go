package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Mschirtzinger/tasksync/internal/bridge"
	"github.com/Mschirtzinger/tasksync/internal/config"
	"github.com/Mschirtzinger/tasksync/internal/db"
	"github.com/Mschirtzinger/tasksync/internal/engine"
	"github.com/Mschirtzinger/tasksync/internal/logging"
	"github.com/Mschirtzinger/tasksync/internal/mirror"
	"github.com/Mschirtzinger/tasksync/internal/notify"
	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/remote/wsclient"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/subscription"
)

// session is one connected engine plus everything it owns.
type session struct {
	cfg       *config.Config
	client    *wsclient.Client
	engine    *engine.Engine
	bridge    *bridge.Bridge
	fileStore *mirror.FileStore

	views chan engine.View
	errs  chan error

	closers []func() error
}

// openSession dials the relay and builds an engine over it. A relay that
// cannot be reached is not fatal: the engine then serves the mirror through
// a store whose every call fails as offline.
func openSession(ctx context.Context, cfg *config.Config, sink *logging.Sink) (*session, error) {
	s := &session{
		cfg:   cfg,
		views: make(chan engine.View, 1),
		errs:  make(chan error, 16),
	}

	m, err := s.openMirror(cfg, sink)
	if err != nil {
		s.Close()
		return nil, err
	}

	var store remote.Store
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := wsclient.Dial(dialCtx, &wsclient.Config{URL: cfg.Relay.URL, Actor: cfg.Actor, Logger: sink.Logger("relay")})
	cancel()
	if err != nil {
		sink.Logger("relay").Printf("relay unreachable, serving the mirror: %v", err)
		store = offlineStore{err: err}
	} else {
		s.client = client
		s.closers = append(s.closers, client.Close)
		store = client
	}

	if cfg.Bridge.Enabled {
		tok, err := bridge.LoadToken(cfg.Bridge.TokenFile)
		if err != nil {
			s.Close()
			return nil, err
		}
		svc, err := bridge.NewGoogleService(ctx, tok)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.bridge = bridge.New(svc, sink.Logger("bridge"))
	}

	notifier := notify.NewAsync(notify.NewLogNotifier(sink.Logger("notify")), 64, sink.Logger("notify"))

	e, err := engine.New(store, &engine.Config{
		Actor:        cfg.Actor,
		Mirror:       m,
		Bridge:       s.bridge,
		Notifier:     notifier,
		RetryBackoff: cfg.Sync.RetryBackoff,
		InLimit:      cfg.Sync.InLimit,
		OnView:       s.offerView,
		OnError: func(err error) {
			select {
			case s.errs <- err:
			default:
			}
		},
		Logger: sink.Logger("engine"),
	})
	if err != nil {
		notifier.Close()
		s.Close()
		return nil, err
	}
	s.engine = e
	// Closers run in reverse: the engine stops writing before notifications
	// drain and the connection closes.
	s.closers = append(s.closers, func() error { notifier.Close(); return nil }, e.Close)
	return s, nil
}

func (s *session) openMirror(cfg *config.Config, sink *logging.Sink) (*mirror.Mirror, error) {
	logger := sink.Logger("mirror")
	switch cfg.Mirror.Backend {
	case config.BackendMemory:
		return mirror.New(mirror.NewMapStore(cfg.Mirror.MaxBytes), logger), nil
	case config.BackendSQLite:
		database, err := db.Open(filepath.Join(cfg.Mirror.Dir, "mirror.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open mirror database: %w", err)
		}
		s.closers = append(s.closers, database.Close)
		return mirror.New(mirror.NewSQLStore(database, cfg.Mirror.MaxBytes), logger), nil
	default:
		fs, err := mirror.NewFileStore(cfg.Mirror.Dir, cfg.Mirror.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to open mirror directory: %w", err)
		}
		s.fileStore = fs
		return mirror.New(fs, logger), nil
	}
}

// offerView keeps only the newest view. It runs under the engine lock and
// never blocks.
func (s *session) offerView(v engine.View) {
	select {
	case s.views <- v:
		return
	default:
	}
	select {
	case <-s.views:
	default:
	}
	select {
	case s.views <- v:
	default:
	}
}

// open selects scope and waits up to wait for a view that is not served from
// the mirror alone. It returns the newest view seen.
func (s *session) open(ctx context.Context, scope schema.Scope, wait time.Duration) (engine.View, error) {
	if err := s.engine.SetScope(scope); err != nil {
		return engine.View{}, err
	}
	latest := engine.View{Scope: scope, Tasks: s.engine.Tasks()}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case v := <-s.views:
			if v.Scope != scope {
				continue
			}
			latest = v
			if v.Source != subscription.SourceCache {
				return v, nil
			}
		case <-timer.C:
			return latest, nil
		case <-ctx.Done():
			return latest, ctx.Err()
		}
	}
}

// settle waits for issued writes and returns the first write failure.
func (s *session) settle() error {
	s.engine.Flush()
	select {
	case err := <-s.errs:
		return err
	default:
		return nil
	}
}

// Close releases everything in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

// offlineStore is the store of a session whose relay could not be reached.
type offlineStore struct{ err error }

func (o offlineStore) Watch(context.Context, remote.Query, remote.Handler) (remote.Listener, error) {
	return nil, o.err
}

func (o offlineStore) Query(context.Context, remote.Query) ([]remote.Document, error) {
	return nil, o.err
}

func (o offlineStore) Set(context.Context, string, string, map[string]any) error { return o.err }

func (o offlineStore) Update(context.Context, string, string, map[string]any) error { return o.err }

func (o offlineStore) Delete(context.Context, string, string) error { return o.err }

func (o offlineStore) ArrayUnion(context.Context, string, string, string, []any) error {
	return o.err
}
