// Package mirror persists the last known task list per scope so a view can be
// shown instantly while the live subscription connects.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/Mschirtzinger/tasksync/internal/db"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// ErrMissing is returned by Store.Get when a key has no value.
var ErrMissing = errors.New("mirror key missing")

// Store is synchronous key/value persistence with a capacity ceiling.
type Store interface {
	Get(key string) (string, error)
	// Set returns a *syncerr.QuotaError when the value does not fit.
	Set(key, value string) error
	Remove(key string) error
}

// MapStore keeps values in memory. A zero MaxBytes means no ceiling.
type MapStore struct {
	MaxBytes int

	mu     sync.Mutex
	values map[string]string
}

// NewMapStore returns an empty in-memory store.
func NewMapStore(maxBytes int) *MapStore {
	return &MapStore{MaxBytes: maxBytes, values: make(map[string]string)}
}

func (s *MapStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrMissing
	}
	return v, nil
}

func (s *MapStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	if s.MaxBytes > 0 {
		size := len(value)
		for k, v := range s.values {
			if k != key {
				size += len(v)
			}
		}
		if size > s.MaxBytes {
			return &syncerr.QuotaError{Key: key, Size: size, Limit: s.MaxBytes}
		}
	}
	s.values[key] = value
	return nil
}

func (s *MapStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// FileStore keeps one JSON file per key under Dir. Writes are atomic so a
// reader in another process never sees a torn file.
type FileStore struct {
	Dir      string
	MaxBytes int

	mu sync.Mutex
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string, maxBytes int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &FileStore{Dir: dir, MaxBytes: maxBytes}, nil
}

const fileSuffix = ".json"

// Path returns the file backing key. Keys contain ':' which is replaced so
// file names stay portable.
func (s *FileStore) Path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.Dir, name+fileSuffix)
}

// keyFor reverses Path for keys of the form kind:id.
func keyFor(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), fileSuffix)
	kind, id, ok := strings.Cut(base, "_")
	if !ok {
		return base
	}
	return kind + ":" + id
}

func (s *FileStore) Get(key string) (string, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrMissing
	}
	if err != nil {
		return "", fmt.Errorf("failed to read mirror %s: %w", key, err)
	}
	return string(data), nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MaxBytes > 0 {
		used, err := s.usage(key)
		if err != nil {
			return err
		}
		if size := used + len(value); size > s.MaxBytes {
			return &syncerr.QuotaError{Key: key, Size: size, Limit: s.MaxBytes}
		}
	}
	if err := atomic.WriteFile(s.Path(key), strings.NewReader(value)); err != nil {
		return fmt.Errorf("failed to write mirror %s: %w", key, err)
	}
	return nil
}

// usage sums the size of every mirror file except the one backing key.
func (s *FileStore) usage(key string) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read mirror directory: %w", err)
	}
	skip := filepath.Base(s.Path(key))
	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) || e.Name() == skip {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += int(info.Size())
	}
	return total, nil
}

func (s *FileStore) Remove(key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove mirror %s: %w", key, err)
	}
	return nil
}

// SQLStore keeps values in the kv table of a SQLite database.
type SQLStore struct {
	DB       *db.DB
	MaxBytes int
}

// NewSQLStore returns a store over database.
func NewSQLStore(database *db.DB, maxBytes int) *SQLStore {
	return &SQLStore{DB: database, MaxBytes: maxBytes}
}

func (s *SQLStore) Get(key string) (string, error) {
	v, err := s.DB.GetValue(context.Background(), key)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrMissing
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *SQLStore) Set(key, value string) error {
	ctx := context.Background()
	if s.MaxBytes > 0 {
		total, err := s.DB.ValueSize(ctx)
		if err != nil {
			return err
		}
		if cur, err := s.DB.GetValue(ctx, key); err == nil {
			total -= int64(len(cur))
		}
		if size := int(total) + len(value); size > s.MaxBytes {
			return &syncerr.QuotaError{Key: key, Size: size, Limit: s.MaxBytes}
		}
	}
	return s.DB.SetValue(ctx, key, []byte(value))
}

func (s *SQLStore) Remove(key string) error {
	return s.DB.RemoveValue(context.Background(), key)
}
