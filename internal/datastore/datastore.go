package datastore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/migrations"
	_ "modernc.org/sqlite"
)

// Datastore owns the SQLite handle shared by all repositories.
type Datastore struct {
	DB *sql.DB
}

// New opens the database at dsn, configures the connection pool and runs
// all migrations.
func New(dsn string) (*Datastore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db, dsn)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Datastore{DB: db}, nil
}

// Close releases the underlying database handle.
func (ds *Datastore) Close() error {
	return ds.DB.Close()
}

// Migrate applies every pending migration to db.
func Migrate(db *sql.DB) error {
	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.All() {
		migrator.AddMigration(migration)
	}
	if err := migrator.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// IsMemoryDSN reports whether dsn names an in-memory database.
func IsMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, ":memory:")
}

// configurePool applies connection pool limits. An in-memory database lives
// only as long as its connections, and shared-cache writers from separate
// connections fail with SQLITE_LOCKED instead of waiting, so it gets exactly
// one long-lived connection.
func configurePool(db *sql.DB, dsn string) {
	if IsMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		return
	}

	db.SetMaxOpenConns(10)                 // Limit concurrent connections
	db.SetMaxIdleConns(5)                  // Keep some connections alive
	db.SetConnMaxLifetime(5 * time.Minute) // Recycle connections periodically
	db.SetConnMaxIdleTime(1 * time.Minute) // Close idle connections after 1 minute
}
