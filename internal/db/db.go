// Package db provides the SQLite-backed durable store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "sitesync.db"

// busyTimeoutMs lets a writer wait for the WAL lock instead of failing
// immediately with SQLITE_BUSY.
const busyTimeoutMs = 5000

// DB wraps the sql.DB with sitesync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the queue database in dataDir and brings
// its schema up to date.
func Open(ctx context.Context, dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(ctx, filepath.Join(dataDir, FileName))
}

// OpenPath opens the database file at path.
// The database is opened with:
// - WAL mode so readers never block on the drain's writes
// - a busy timeout for concurrent writers
// - foreign key constraints enabled
func OpenPath(ctx context.Context, path string) (*DB, error) {
	if err := Migrate(path, DefaultEngine); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path, busyTimeoutMs)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection
	sqlDB.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
