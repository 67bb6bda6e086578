package mirror

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp represents the kind of change made to a mirror entry.
type ChangeOp int

const (
	// ChangeWrite indicates an entry was created or replaced.
	ChangeWrite ChangeOp = iota
	// ChangeRemove indicates an entry was removed.
	ChangeRemove
)

// String returns a human-readable representation of the operation.
func (op ChangeOp) String() string {
	switch op {
	case ChangeWrite:
		return "write"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change reports a mirror entry changed on disk, typically by another
// process sharing the mirror directory.
type Change struct {
	Key string
	Op  ChangeOp
}

// Watcher reports changes to the files of a FileStore.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	changes chan Change
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Watch starts watching the store directory. The caller must call Stop.
func (s *FileStore) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(s.Dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch mirror directory %s: %w", s.Dir, err)
	}

	w := &Watcher{
		watcher: fw,
		dir:     s.Dir,
		changes: make(chan Change, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		running: true,
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Changes returns the channel of entry changes. It is closed by Stop.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Errors returns the channel of watch errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Stop stops watching and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.changes)
	close(w.errors)
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if change, ok := w.convertEvent(event); ok {
				select {
				case w.changes <- change:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent ignores temp files written by atomic replacement and chmod
// events.
func (w *Watcher) convertEvent(event fsnotify.Event) (Change, bool) {
	if !strings.HasSuffix(event.Name, fileSuffix) {
		return Change{}, false
	}
	absDir, _ := filepath.Abs(w.dir)
	absPath, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(absPath) != absDir {
		return Change{}, false
	}

	var op ChangeOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = ChangeWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = ChangeRemove
	default:
		return Change{}, false
	}
	return Change{Key: keyFor(event.Name), Op: op}, true
}
