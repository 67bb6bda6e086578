// Package bridge links projects to lists of an external task service.
//
// A project is linked to the external list whose title equals the project
// name, ignoring case. External items become schema.External records; status
// changes on them are sent back to the external service and never written to
// the remote store.
//
// When the service rejects the bearer credential the bridge returns a
// *syncerr.CredentialExpiredError once and then halts: pulls return nothing
// and pushes return ErrBridgeHalted until a new Bridge is created.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

// ServiceName identifies the external service in errors.
const ServiceName = "google-tasks"

// ErrBridgeHalted is returned by pushes after the credential expired.
var ErrBridgeHalted = errors.New("external bridge halted")

// Bridge pulls and pushes external tasks.
type Bridge struct {
	svc    Service
	logger *log.Logger

	mu     sync.Mutex
	halted bool
}

// New creates a Bridge over svc.
func New(svc Service, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}
	return &Bridge{svc: svc, logger: logger}
}

// Halted reports whether the credential expired.
func (b *Bridge) Halted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted
}

// Pull returns the items of the list linked to project, minus those whose
// normalized title matches a persisted task. It returns nil when no list is
// linked or the bridge is halted.
func (b *Bridge) Pull(ctx context.Context, project schema.Project, persisted []schema.Task) ([]schema.External, error) {
	if b.Halted() {
		return nil, nil
	}
	list, ok, err := b.linkedList(ctx, project.Name)
	if err != nil || !ok {
		return nil, err
	}

	items, err := b.svc.Items(ctx, list.ID)
	if err != nil {
		return nil, b.fail("list tasks", err)
	}

	titles := make(map[string]bool, len(persisted))
	for _, t := range persisted {
		titles[schema.NormalizeTitle(t.Text)] = true
	}

	out := make([]schema.External, 0, len(items))
	for _, item := range items {
		if titles[schema.NormalizeTitle(item.Title)] {
			continue
		}
		out = append(out, schema.External{
			ListID:  list.ID,
			ItemID:  item.ID,
			Title:   item.Title,
			Notes:   item.Notes,
			Status:  item.Status,
			Due:     dueDate(item.Due),
			ScopeID: project.ID,
		})
	}
	return out, nil
}

// PushStatus sends the status of an external task to its list.
func (b *Bridge) PushStatus(ctx context.Context, task schema.Task, status schema.Status) error {
	if b.Halted() {
		return ErrBridgeHalted
	}
	if task.Origin != schema.OriginExternal || task.ExternalID == "" || task.ExternalListID == "" {
		return &syncerr.ValidationError{Field: "origin", Reason: fmt.Sprintf("task %s is not linked to an external list", task.ID)}
	}
	if err := b.svc.PatchStatus(ctx, task.ExternalListID, task.ExternalID, schema.ExternalStatusFor(status)); err != nil {
		return b.fail("patch task", err)
	}
	return nil
}

// CreateTask inserts draft into the list linked to project.
func (b *Bridge) CreateTask(ctx context.Context, project schema.Project, draft schema.Task) (schema.External, error) {
	if b.Halted() {
		return schema.External{}, ErrBridgeHalted
	}
	if strings.TrimSpace(draft.Text) == "" {
		return schema.External{}, &syncerr.ValidationError{Field: "text", Reason: "is required"}
	}
	list, ok, err := b.linkedList(ctx, project.Name)
	if err != nil {
		return schema.External{}, err
	}
	if !ok {
		return schema.External{}, fmt.Errorf("no external list named %q: %w", project.Name, syncerr.ErrNotFound)
	}

	item := Item{Title: draft.Text, Notes: draft.Description, Status: schema.ExternalStatusFor(draft.Status)}
	if draft.DueDate != "" {
		item.Due = string(draft.DueDate) + "T00:00:00.000Z"
	}
	created, err := b.svc.Insert(ctx, list.ID, item)
	if err != nil {
		return schema.External{}, b.fail("insert task", err)
	}
	return schema.External{
		ListID:  list.ID,
		ItemID:  created.ID,
		Title:   created.Title,
		Notes:   created.Notes,
		Status:  created.Status,
		Due:     dueDate(created.Due),
		ScopeID: project.ID,
	}, nil
}

func (b *Bridge) linkedList(ctx context.Context, name string) (List, bool, error) {
	want := schema.NormalizeTitle(name)
	if want == "" {
		return List{}, false, nil
	}
	lists, err := b.svc.Lists(ctx)
	if err != nil {
		return List{}, false, b.fail("list task lists", err)
	}
	for _, l := range lists {
		if schema.NormalizeTitle(l.Title) == want {
			return l, true, nil
		}
	}
	return List{}, false, nil
}

// fail classifies a service error. An expired credential halts the bridge
// and is reported only by the call that observed it.
func (b *Bridge) fail(op string, err error) error {
	if !credentialExpired(err) {
		return syncerr.Classify(op, fmt.Errorf("failed to %s: %w", op, err))
	}

	b.mu.Lock()
	already := b.halted
	b.halted = true
	b.mu.Unlock()

	if already {
		return ErrBridgeHalted
	}
	b.logger.Printf("credential rejected during %s, halting: %v", op, err)
	return &syncerr.CredentialExpiredError{Service: ServiceName, Err: err}
}

func credentialExpired(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr) || errors.Is(err, syncerr.ErrCredentialExpired)
}

func dueDate(due string) schema.Date {
	if len(due) < 10 {
		return ""
	}
	d, err := schema.ParseDate(due[:10])
	if err != nil {
		return ""
	}
	return d
}
