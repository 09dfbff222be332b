package testutil

import (
	"testing"

	"attachkit/internal/database"
	"attachkit/internal/document"
)

// NewTestBackend creates an in-memory SQLite backend with migrations applied.
// The backend is closed when the test completes.
func NewTestBackend(t *testing.T) *database.SQLiteBackend {
	t.Helper()

	b, err := database.NewSQLiteBackend(":memory:", FixedClock())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := b.Migrate(); err != nil {
		b.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		b.Close()
	})

	return b
}

// NewTestStore creates a document store over a fresh in-memory backend.
func NewTestStore(t *testing.T) (*document.Store, *database.SQLiteBackend) {
	t.Helper()

	b := NewTestBackend(t)
	store, err := document.NewStore(b, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, b
}
