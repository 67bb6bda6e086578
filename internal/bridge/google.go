package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	tasks "google.golang.org/api/tasks/v1"
)

// List is an external task list.
type List struct {
	ID    string
	Title string
}

// Item is an external task in its own vocabulary.
type Item struct {
	ID     string
	Title  string
	Notes  string
	Status string
	// Due is an RFC 3339 timestamp; only its date part is meaningful.
	Due string
}

// Service is the subset of the external task API the bridge needs.
type Service interface {
	Lists(ctx context.Context) ([]List, error)
	Items(ctx context.Context, listID string) ([]Item, error)
	Insert(ctx context.Context, listID string, item Item) (Item, error)
	PatchStatus(ctx context.Context, listID, itemID, status string) error
}

// GoogleService talks to the Google Tasks REST API.
type GoogleService struct {
	srv *tasks.Service
}

// NewGoogleService creates a client authenticated with a bearer token. The
// token is never refreshed: once it is rejected the bridge halts.
func NewGoogleService(ctx context.Context, tok *oauth2.Token, opts ...option.ClientOption) (*GoogleService, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Google Tasks client: %w", err)
	}
	return &GoogleService{srv: srv}, nil
}

// LoadToken reads an oauth2.Token from a JSON file.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", path, err)
	}
	return tok, nil
}

// Lists returns every task list of the signed-in user.
func (g *GoogleService) Lists(ctx context.Context) ([]List, error) {
	var out []List
	call := g.srv.Tasklists.List().MaxResults(100)
	err := call.Pages(ctx, func(page *tasks.TaskLists) error {
		for _, l := range page.Items {
			out = append(out, List{ID: l.Id, Title: l.Title})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Items returns every task of a list, completed and hidden ones included.
func (g *GoogleService) Items(ctx context.Context, listID string) ([]Item, error) {
	var out []Item
	call := g.srv.Tasks.List(listID).ShowCompleted(true).ShowHidden(true).MaxResults(100)
	err := call.Pages(ctx, func(page *tasks.Tasks) error {
		for _, t := range page.Items {
			if t.Deleted {
				continue
			}
			out = append(out, itemOf(t))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Insert creates an item in a list.
func (g *GoogleService) Insert(ctx context.Context, listID string, item Item) (Item, error) {
	created, err := g.srv.Tasks.Insert(listID, &tasks.Task{
		Title:  item.Title,
		Notes:  item.Notes,
		Status: item.Status,
		Due:    item.Due,
	}).Context(ctx).Do()
	if err != nil {
		return Item{}, err
	}
	return itemOf(created), nil
}

// PatchStatus changes only the status of an item.
func (g *GoogleService) PatchStatus(ctx context.Context, listID, itemID, status string) error {
	_, err := g.srv.Tasks.Patch(listID, itemID, &tasks.Task{Status: status}).Context(ctx).Do()
	return err
}

func itemOf(t *tasks.Task) Item {
	return Item{ID: t.Id, Title: t.Title, Notes: t.Notes, Status: t.Status, Due: t.Due}
}
