package db

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "users.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"tokens", "settings", "terminal_sessions"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	var maxUsers string
	if err := db.QueryRow(`SELECT value FROM settings WHERE key='max_users'`).Scan(&maxUsers); err != nil {
		t.Fatalf("max_users not seeded: %v", err)
	}
	if maxUsers != "10" {
		t.Errorf("max_users = %s, want 10", maxUsers)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := first.Exec(`UPDATE settings SET value='25' WHERE key='max_users'`); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	var maxUsers string
	second.QueryRow(`SELECT value FROM settings WHERE key='max_users'`).Scan(&maxUsers)
	if maxUsers != "25" {
		t.Errorf("reopening reset max_users to %s", maxUsers)
	}
}

func TestNewTestDB(t *testing.T) {
	db, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO tokens (token, identity) VALUES ('t', 'alice')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM tokens`).Scan(&n)
	if n != 1 {
		t.Errorf("token count = %d, want 1", n)
	}
}
