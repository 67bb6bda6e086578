package bridge

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

type patch struct {
	listID, itemID, status string
}

type fakeService struct {
	lists   []List
	items   map[string][]Item
	patches []patch
	inserts []Item
	err     error
	calls   int
}

func (f *fakeService) Lists(ctx context.Context) ([]List, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lists, nil
}

func (f *fakeService) Items(ctx context.Context, listID string) ([]Item, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.items[listID], nil
}

func (f *fakeService) Insert(ctx context.Context, listID string, item Item) (Item, error) {
	f.calls++
	if f.err != nil {
		return Item{}, f.err
	}
	item.ID = "new"
	f.inserts = append(f.inserts, item)
	return item, nil
}

func (f *fakeService) PatchStatus(ctx context.Context, listID, itemID, status string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.patches = append(f.patches, patch{listID, itemID, status})
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newFake() *fakeService {
	return &fakeService{
		lists: []List{{ID: "L1", Title: "Other"}, {ID: "L2", Title: "  launch PLAN "}},
		items: map[string][]Item{
			"L2": {
				{ID: "a", Title: "Book venue", Status: "needsAction", Due: "2025-03-01T00:00:00.000Z"},
				{ID: "b", Title: "Print flyers", Status: "completed"},
				{ID: "c", Title: "Already Tracked"},
			},
		},
	}
}

func TestPull(t *testing.T) {
	svc := newFake()
	b := New(svc, quietLogger())

	project := schema.Project{ID: "p1", Name: "Launch plan"}
	persisted := []schema.Task{{ID: "t1", Text: "already tracked"}}

	got, err := b.Pull(context.Background(), project, persisted)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "L2", got[0].ListID)
	assert.Equal(t, "p1", got[0].ScopeID)
	assert.Equal(t, schema.Date("2025-03-01"), got[0].Due)

	views := schema.Views(got)
	assert.Equal(t, schema.StatusTodo, views[0].Status)
	assert.Equal(t, schema.StatusDone, views[1].Status)
	assert.Equal(t, schema.OriginExternal, views[1].Origin)
	assert.Equal(t, "ext:L2:b", views[1].ID)
}

func TestPull_NoLinkedList(t *testing.T) {
	b := New(newFake(), quietLogger())

	got, err := b.Pull(context.Background(), schema.Project{ID: "p9", Name: "Launch"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPushStatus_OnePatch(t *testing.T) {
	svc := newFake()
	b := New(svc, quietLogger())

	ext, err := b.Pull(context.Background(), schema.Project{ID: "p1", Name: "launch plan"}, nil)
	require.NoError(t, err)
	task := ext[0].View()

	require.NoError(t, b.PushStatus(context.Background(), task, schema.StatusDone))
	require.Len(t, svc.patches, 1)
	assert.Equal(t, patch{"L2", "a", "completed"}, svc.patches[0])
}

func TestPushStatus_NotExternal(t *testing.T) {
	svc := newFake()
	b := New(svc, quietLogger())

	err := b.PushStatus(context.Background(), schema.Task{ID: "t1", Origin: schema.OriginPersisted}, schema.StatusDone)
	assert.ErrorIs(t, err, syncerr.ErrValidation)
	assert.Empty(t, svc.patches)
}

func TestCreateTask(t *testing.T) {
	svc := newFake()
	b := New(svc, quietLogger())

	draft := schema.Task{Text: "Order banners", DueDate: "2025-04-02", Status: schema.StatusTodo}
	ext, err := b.CreateTask(context.Background(), schema.Project{ID: "p1", Name: "Launch Plan"}, draft)
	require.NoError(t, err)

	assert.Equal(t, "new", ext.ItemID)
	assert.Equal(t, "L2", ext.ListID)
	require.Len(t, svc.inserts, 1)
	assert.Equal(t, "2025-04-02T00:00:00.000Z", svc.inserts[0].Due)
	assert.Equal(t, "needsAction", svc.inserts[0].Status)

	_, err = b.CreateTask(context.Background(), schema.Project{ID: "p2", Name: "Missing"}, draft)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestCredentialExpiry_HaltsOnce(t *testing.T) {
	svc := newFake()
	svc.err = &googleapi.Error{Code: http.StatusUnauthorized, Message: "Invalid Credentials"}
	b := New(svc, quietLogger())
	project := schema.Project{ID: "p1", Name: "Launch plan"}

	_, err := b.Pull(context.Background(), project, nil)
	var expired *syncerr.CredentialExpiredError
	require.True(t, errors.As(err, &expired), "want CredentialExpiredError, got %v", err)
	assert.True(t, syncerr.IsFatal(err))
	assert.True(t, b.Halted())

	calls := svc.calls
	got, err := b.Pull(context.Background(), project, nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	task := schema.Task{ID: "ext:L2:a", Origin: schema.OriginExternal, ExternalID: "a", ExternalListID: "L2"}
	assert.ErrorIs(t, b.PushStatus(context.Background(), task, schema.StatusDone), ErrBridgeHalted)
	assert.Equal(t, calls, svc.calls, "halted bridge must not call the service")
}

func TestOtherErrorsDoNotHalt(t *testing.T) {
	svc := newFake()
	svc.err = &googleapi.Error{Code: http.StatusInternalServerError, Message: "backend error"}
	b := New(svc, quietLogger())

	_, err := b.Pull(context.Background(), schema.Project{ID: "p1", Name: "Launch plan"}, nil)
	require.Error(t, err)
	assert.False(t, b.Halted())

	svc.err = nil
	got, err := b.Pull(context.Background(), schema.Project{ID: "p1", Name: "Launch plan"}, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
