package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"attachkit/internal/attach"
	"attachkit/internal/database/migrations"
	"attachkit/internal/document"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var _ document.Backend = (*SQLiteBackend)(nil)

// SQLiteBackend stores documents as JSON bodies in the documents table.
type SQLiteBackend struct {
	db    *sql.DB
	clock attach.Clock
	path  string
}

// NewSQLiteBackend opens the database at path.
// path can be a file path or ":memory:" for an in-memory database.
// If clock is nil, the real clock is used.
func NewSQLiteBackend(path string, clock attach.Clock) (*SQLiteBackend, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	b := NewSQLiteBackendFromDB(db, clock)
	b.path = path
	return b, nil
}

// NewSQLiteBackendFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteBackendFromDB(db *sql.DB, clock attach.Clock) *SQLiteBackend {
	if clock == nil {
		clock = attach.RealClock{}
	}
	return &SQLiteBackend{db: db, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" gets its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// DB returns the underlying connection, shared with the promotion queue.
func (s *SQLiteBackend) DB() *sql.DB { return s.db }

// Path returns the database path, or "" when wrapping an existing connection.
func (s *SQLiteBackend) Path() string { return s.path }

// Migrate applies pending schema migrations.
func (s *SQLiteBackend) Migrate() error {
	return migrations.Up(s.db)
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteBackend) CheckMigrations() error {
	return migrations.Check(s.db)
}

func (s *SQLiteBackend) Load(ctx context.Context, collection, id string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("loading document: %w", err)
	}
	return []byte(body), nil
}

func (s *SQLiteBackend) LoadField(ctx context.Context, collection, id, field string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT json_extract(body, ?) FROM documents WHERE collection = ? AND id = ?",
		fieldPath(field), collection, id).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading document field: %w", err)
	}
	return value.String, true, nil
}

func (s *SQLiteBackend) Write(ctx context.Context, collection, id string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, id, string(body), s.clock.Now())
	if err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, collection, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteBackend) Exists(ctx context.Context, collection, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM documents WHERE collection = ? AND id = ?)", collection, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking document: %w", err)
	}
	return exists, nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// fieldPath builds the JSON path of a top-level record field. The name is
// quoted so that dots and brackets in field names are taken literally.
func fieldPath(field string) string {
	return `$.fields."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}
