// Package db provides embedded SQLite storage for tasksync.
//
// Two tables live in one database file:
//
//   - documents: the relay's authoritative document store, one row per
//     (collection, id) with a JSON body
//   - kv: the client's local mirror, one row per cache key
//
// The database runs with WAL so the relay can serve readers while it writes,
// and a busy timeout so a client process and a relay sharing a file do not
// fail on contention.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a key or document does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Document is one stored document row.
type Document struct {
	Collection string
	ID         string
	Fields     map[string]any
	UpdatedAt  time.Time
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(".tasksync/relay.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,  -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// PutDocument inserts or replaces a document.
func (db *DB) PutDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}

	query := `
	INSERT INTO documents (collection, id, body, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		body = excluded.body,
		updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.conn.ExecContext(ctx, query, collection, id, string(body), now); err != nil {
		return fmt.Errorf("failed to put document %s/%s: %w", collection, id, err)
	}
	return nil
}

// DeleteDocument removes a document. Deleting a missing document succeeds.
func (db *DB) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetDocument returns one document, or ErrNotFound.
func (db *DB) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT collection, id, body, updated_at FROM documents WHERE collection = ? AND id = ?",
		collection, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s/%s: %w", collection, id, ErrNotFound)
	}
	return doc, err
}

// ListDocuments returns every document of collection ordered by id. An empty
// collection lists every document in the database.
func (db *DB) ListDocuments(ctx context.Context, collection string) ([]*Document, error) {
	query := "SELECT collection, id, body, updated_at FROM documents"
	var args []any
	if collection != "" {
		query += " WHERE collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY collection, id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// CountDocuments returns the number of documents in collection.
func (db *DB) CountDocuments(ctx context.Context, collection string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE collection = ?", collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*Document, error) {
	var doc Document
	var body, updatedAt string
	if err := s.Scan(&doc.Collection, &doc.ID, &body, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s/%s: %w", doc.Collection, doc.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		doc.UpdatedAt = t
	}
	return &doc, nil
}

// GetValue returns the value stored under key, or ErrNotFound.
func (db *DB) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// SetValue stores value under key.
func (db *DB) SetValue(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.conn.ExecContext(ctx, query, key, value, now); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// RemoveValue deletes key. Removing a missing key succeeds.
func (db *DB) RemoveValue(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

// ValueSize returns the total size in bytes of every stored value.
func (db *DB) ValueSize(ctx context.Context) (int64, error) {
	var size sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, "SELECT SUM(LENGTH(value)) FROM kv").Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to measure kv: %w", err)
	}
	return size.Int64, nil
}

// Keys returns every stored key in order.
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
