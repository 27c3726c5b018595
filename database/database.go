// Package database provides SQLite database operations for the photo
// ingestion system.
//
// This package implements the persistence layer for Lumaframe, tracking
// guest submissions awaiting moderation, published photos, and the durable
// pipeline queue that drives multi-stage photo processing.
//
// The database uses SQLite with WAL (Write-Ahead Logging) mode for
// concurrent access and maintains referential integrity through foreign
// keys.
//
// # Schema
//
// The database maintains three main tables:
//   - submissions: guest uploads awaiting moderation
//   - photos: published gallery photos enriched by the pipeline
//   - pipeline_queue: durable jobs claimed and executed by workers
//
// See schema.go for complete table definitions and indexes.
//
// # Concurrency
//
// The database is configured for safe concurrent access:
//   - WAL mode allows concurrent reads while writes are in progress
//   - Connection pool (10 max open, 5 max idle)
//   - 5-second busy timeout for lock contention
//   - Foreign key constraints ensure referential integrity
//
// Job claiming uses a compare-and-set UPDATE so that concurrent workers
// polling the same queue never execute the same job twice; see queue.go.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for submissions, photos and
// the pipeline queue.
type DB struct {
	db   *sql.DB
	path string // Path to the database file (for diagnostic logging)
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/lumaframe/gallery.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New creates a new database connection and initializes the schema.
//
// It configures SQLite with settings suited to many readers and a handful of
// writer goroutines:
//   - WAL (Write-Ahead Logging) for concurrent reads during writes
//   - Foreign key constraints enabled
//   - NORMAL synchronous mode (balances durability and speed)
//   - 10MB cache, 5-second busy timeout
//   - Memory-mapped I/O (256MB)
//
// The function automatically creates tables if they don't exist and applies
// any pending schema migrations.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Set SQLite pragmas for optimal performance and concurrency
	pragmas := []string{
		"PRAGMA journal_mode = WAL",    // Write-Ahead Logging for better concurrency
		"PRAGMA foreign_keys = ON",     // Enable foreign key constraints
		"PRAGMA synchronous = NORMAL",  // Balance durability and performance
		"PRAGMA cache_size = -10000",   // 10MB cache
		"PRAGMA busy_timeout = 5000",   // 5 second timeout for locks
		"PRAGMA temp_store = MEMORY",   // Use memory for temp tables
		"PRAGMA mmap_size = 268435456", // 256MB memory-mapped I/O
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{
		db:   db,
		path: cfg.Path,
	}

	// Initialize schema
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// initSchema creates the database schema if it doesn't exist and applies
// pending migrations in order.
func (d *DB) initSchema() error {
	// Create schema_migrations table first
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}

	return nil
}

func (d *DB) runMigration(m migration) error {
	// Check if migration already applied
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if exists {
		return nil // Migration already applied
	}

	// Run migration in a transaction
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute migration SQL
	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record migration
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// isConstraintErr reports whether err looks like a SQLite constraint
// violation. The modernc driver does not expose typed errors for these.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
