// Package notify delivers task notifications to users.
//
// Delivery is fire-and-forget: a Notifier never reports failures to the
// caller, and a slow transport never blocks a write.
package notify

import (
	"context"
	"log"
	"os"
	"sync"
)

// Kind is what happened to the task.
type Kind string

const (
	KindAssigned  Kind = "assigned"
	KindCompleted Kind = "completed"
)

// Notification is one message for one user.
type Notification struct {
	UserID  string
	Kind    Kind
	TaskID  string
	Text    string
	ScopeID string
	// Actor is the user whose action caused the notification.
	Actor string
}

// Notifier sends notifications. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to a Notifier.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger writes to stderr.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{Logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	l.Logger.Printf("%s: task %s %q %s by %s", n.UserID, n.TaskID, n.Text, n.Kind, n.Actor)
}

// Async queues notifications and hands them to another Notifier from a
// single goroutine. When the queue is full the notification is dropped.
type Async struct {
	next   Notifier
	logger *log.Logger
	queue  chan Notification

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts the delivery goroutine. Close stops it.
func NewAsync(next Notifier, size int, logger *log.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	a := &Async{next: next, logger: logger, queue: make(chan Notification, size)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Notify(ctx context.Context, n Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- n:
	default:
		a.logger.Printf("queue full, dropping %s notification for %s", n.Kind, n.UserID)
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for n := range a.queue {
		a.next.Notify(context.Background(), n)
	}
}

// Close delivers what is queued and stops the goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
