package repository

import (
	"context"
	"database/sql"
	"sync"
)

// StatementCache caches prepared statements for hot read paths
type StatementCache struct {
	mu         sync.RWMutex
	statements map[string]*sql.Stmt
	db         *sql.DB
}

// NewStatementCache creates a new prepared statement cache
func NewStatementCache(db *sql.DB) *StatementCache {
	return &StatementCache{
		statements: make(map[string]*sql.Stmt),
		db:         db,
	}
}

// Get retrieves or prepares the statement for query
func (c *StatementCache) Get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.RLock()
	if stmt, ok := c.statements[query]; ok {
		c.mu.RUnlock()
		return stmt, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if stmt, ok := c.statements[query]; ok {
		return stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.statements[query] = stmt
	return stmt, nil
}

// Invalidate drops the statement for query. The SQLite driver defers some
// errors to the first execution, so callers evict a statement that failed
// to run instead of handing it out again.
func (c *StatementCache) Invalidate(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.statements[query]; ok {
		stmt.Close()
		delete(c.statements, query)
	}
}

// Close closes all prepared statements and clears the cache
func (c *StatementCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for _, stmt := range c.statements {
		if err := stmt.Close(); err != nil {
			lastErr = err
		}
	}

	c.statements = make(map[string]*sql.Stmt)
	return lastErr
}

// Size returns the number of cached prepared statements
func (c *StatementCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.statements)
}
