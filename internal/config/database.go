package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/datastore"
)

// MemoryPath selects a shared in-memory database
const MemoryPath = ":memory:"

// sqlitePragmas are applied to every connection through the DSN
var sqlitePragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",   // Wait for writers instead of failing with SQLITE_BUSY
	"journal_mode(WAL)",    // Write-Ahead Logging for better concurrency
	"synchronous(NORMAL)",  // Balance between safety and performance
	"cache_size(10000)",    // Increase cache size
	"temp_store(MEMORY)",   // Store temporary tables in memory
	"mmap_size(268435456)", // 256MB memory mapping
}

// BuildDSN returns the modernc sqlite DSN for a database file
func BuildDSN(path string) string {
	if path == MemoryPath {
		return "file:peerd?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	}
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// InitializeDatabase creates the database directory, opens the database and
// runs migrations
func (c *Config) InitializeDatabase() (*datastore.Datastore, error) {
	if c.Database.Path == MemoryPath {
		return datastore.New(BuildDSN(MemoryPath))
	}

	dbPath := c.expandPath(c.Database.Path)

	// Ensure database directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	ds, err := datastore.New(BuildDSN(dbPath))
	if err != nil {
		return nil, err
	}

	if _, err := ds.DB.Exec("PRAGMA optimize"); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to optimize database: %w", err)
	}
	return ds, nil
}
