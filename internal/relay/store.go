package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/Mschirtzinger/tasksync/internal/db"
	"github.com/Mschirtzinger/tasksync/internal/remote"
)

// OpenStore loads every document of database into a new MemStore and makes
// the database the store's persister, so each committed write reaches disk
// before it is acknowledged.
func OpenStore(ctx context.Context, database *db.DB, logger *log.Logger) (*remote.MemStore, error) {
	rows, err := database.ListDocuments(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	docs := make([]remote.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, remote.Document{Collection: row.Collection, ID: row.ID, Fields: row.Fields})
	}

	store := remote.NewMemStore(logger)
	if err := store.Restore(docs); err != nil {
		return nil, fmt.Errorf("failed to restore documents: %w", err)
	}
	store.SetPersister(database)
	return store, nil
}
