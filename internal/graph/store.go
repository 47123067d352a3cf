// Package graph implements the typed memory substrate on SQLite. Nodes and
// edges carry an occurrence id on every row; no query crosses occurrence
// boundaries. The store also persists tasks and deferrals so a restart can
// resume in-flight work.
package graph

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ciris/internal/clock"
	"ciris/internal/logging"
)

var (
	ErrNotFound          = errors.New("graph: node not found")
	ErrMissingEndpoint   = errors.New("graph: edge endpoint does not exist")
	ErrInvalidAttributes = errors.New("graph: invalid attributes for node type")
	ErrInvalidNode       = errors.New("graph: invalid node")
)

// Store is the SQLite-backed graph substrate.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	clk    clock.Clock
}

// New initializes the SQLite database at the given path. Use ":memory:" for
// an ephemeral store in tests.
func New(path string, clk clock.Clock) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "graph open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.GraphDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.GraphDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.GraphDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path, clk: clk}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Graph("graph store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	nodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'local',
		attributes TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		occurrence_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (id, occurrence_id)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(occurrence_id, node_type);
	CREATE INDEX IF NOT EXISTS idx_nodes_created ON nodes(occurrence_id, created_at);
	`

	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		attributes TEXT,
		occurrence_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(source_id, target_id, edge_type, occurrence_id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(occurrence_id, source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(occurrence_id, target_id);
	`

	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT NOT NULL,
		occurrence_id TEXT NOT NULL,
		channel_ref TEXT,
		status TEXT NOT NULL,
		content TEXT,
		context TEXT,
		updated_info INTEGER NOT NULL DEFAULT 0,
		updated_info_content TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, occurrence_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(occurrence_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_channel ON tasks(occurrence_id, channel_ref);
	`

	deferralsTable := `
	CREATE TABLE IF NOT EXISTS deferrals (
		deferral_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		thought_id TEXT,
		reason TEXT,
		defer_until DATETIME,
		requires_authority INTEGER NOT NULL DEFAULT 0,
		resolution TEXT,
		occurrence_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deferrals_task ON deferrals(occurrence_id, task_id);
	`

	for _, table := range []string{nodesTable, edgesTable, tasksTable, deferralsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DriverName reports the build-selected SQLite driver so other stores open
// their databases the same way.
func DriverName() string {
	return sqliteDriver
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"nodes", "edges", "tasks", "deferrals"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
