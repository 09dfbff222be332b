package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	for _, table := range []string{"documents", "promotion_jobs", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestCheck(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)

		err := Check(db)
		if !errors.Is(err, ErrNeedsMigration) {
			t.Errorf("Check() error = %v, want ErrNeedsMigration", err)
		}
	})

	t.Run("migrated database is current", func(t *testing.T) {
		db := openTestDB(t)
		if err := Up(db); err != nil {
			t.Fatalf("Up() failed: %v", err)
		}

		if err := Check(db); err != nil {
			t.Errorf("Check() after migration returned error: %v", err)
		}

		st, err := ReadStatus(db)
		if err != nil {
			t.Fatalf("ReadStatus() error: %v", err)
		}
		if st.Current != 3 || st.Latest != 3 || st.Dirty {
			t.Errorf("ReadStatus() = %+v, want current=latest=3", st)
		}
	})
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := Up(db); err != nil {
		t.Errorf("second Up() failed: %v (should be idempotent)", err)
	}
}

func TestSchema_DocumentKey(t *testing.T) {
	db := openTestDB(t)
	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	insert := "INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, '{}', datetime('now'))"
	if _, err := db.Exec(insert, "users", "u1"); err != nil {
		t.Fatalf("insert users/u1: %v", err)
	}
	if _, err := db.Exec(insert, "posts", "u1"); err != nil {
		t.Errorf("same id in another collection rejected: %v", err)
	}
	if _, err := db.Exec(insert, "users", "u1"); err == nil {
		t.Error("duplicate (collection, id) accepted, want primary key violation")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
