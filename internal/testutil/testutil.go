package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/datastore"
	_ "modernc.org/sqlite"
)

var dsnUnsafe = strings.NewReplacer("/", "_", " ", "_", "?", "_", "&", "_", "#", "_")

// NewTestDSN returns a shared in-memory database DSN private to testName.
// Subtest names are flattened so they stay valid in a file: URI.
func NewTestDSN(testName string) string {
	return "file:" + dsnUnsafe.Replace(testName) + "?mode=memory&cache=shared&_pragma=foreign_keys(1)"
}

// CleanupTestDB removes the test database file
func CleanupTestDB(dsn string) error {
	if len(dsn) < 5 || dsn[:5] != "file:" {
		return fmt.Errorf("invalid DSN format")
	}

	if datastore.IsMemoryDSN(dsn) {
		return nil
	}

	path := dsn[5:]
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetupTestDB creates and returns a test database connection
func SetupTestDB(t *testing.T, testName string) (*sql.DB, func()) {
	dsn := NewTestDSN(testName)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	cleanup := func() {
		db.Close()
		CleanupTestDB(dsn)
	}

	return db, cleanup
}

// SetupTestDBWithMigrations creates a test database with the full schema applied
func SetupTestDBWithMigrations(t *testing.T, testName string) (*sql.DB, func()) {
	dsn := NewTestDSN(testName)

	ds, err := datastore.New(dsn)
	if err != nil {
		t.Fatalf("Failed to open migrated test database: %v", err)
	}

	cleanup := func() {
		ds.Close()
		CleanupTestDB(dsn)
	}

	return ds.DB, cleanup
}
