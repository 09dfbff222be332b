// Package migrations holds the embedded schema of the document database and
// applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// ErrNeedsMigration is returned by Check for a database without any schema.
var ErrNeedsMigration = errors.New("database has no schema version (needs migration)")

// Status describes where a database stands relative to the embedded migrations.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// ReadStatus reports the schema version of db and the latest embedded version.
// A database without a schema reports Current 0.
func ReadStatus(db *sql.DB) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	// m is not closed: closing it would close db, which the caller owns.

	var st Status
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return Status{}, fmt.Errorf("reading schema version: %w", err)
	default:
		st.Current, st.Dirty = version, dirty
	}

	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return Status{}, fmt.Errorf("reading migration files: %w", err)
	}
	defer src.Close()

	if st.Latest, err = latestVersion(src); err != nil {
		return Status{}, fmt.Errorf("finding latest migration: %w", err)
	}
	return st, nil
}

// Check returns nil if db is at the latest schema version and an error
// describing the mismatch otherwise.
func Check(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	switch {
	case st.Current == 0:
		return ErrNeedsMigration
	case st.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", st.Current)
	case st.Current < st.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			st.Current, st.Latest, st.Latest-st.Current)
	case st.Current > st.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			st.Current, st.Latest)
	}
	return nil
}

// Up applies all pending migrations. An up-to-date database is not an error.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("creating source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			// Next fails once there are no more migrations.
			return version, nil
		}
		version = next
	}
}
