package database

import (
	"fmt"
	"os"
	"path/filepath"

	"attachkit/internal/attach"
	"attachkit/internal/config"
)

// DatabaseFile is the name of the SQLite file inside the configured data directory.
const DatabaseFile = "attachkit.db"

// NewBackendFromConfig creates a SQLiteBackend based on the database config type.
func NewBackendFromConfig(cfg config.DatabaseConfig, clock attach.Clock) (*SQLiteBackend, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteBackend(filepath.Join(cfg.DataDir, DatabaseFile), clock)
	case "memory":
		return NewSQLiteBackend(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
