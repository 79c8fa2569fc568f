// Package history persists inspection run reports to a local SQLite
// database. The table is an append-only audit log: rows are written
// once when a run finishes and never updated.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/mcpspect/mcpspect/internal/inspect"
)

// Store handles run-report persistence.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			command TEXT NOT NULL,
			server_name TEXT,
			server_version TEXT,
			protocol_version TEXT,
			capabilities TEXT NOT NULL,
			tools TEXT NOT NULL,
			health TEXT,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started
			ON runs(started_at DESC);

		CREATE INDEX IF NOT EXISTS idx_runs_outcome
			ON runs(outcome);
	`)
	return err
}

// Record appends a run report and returns the new row id.
func (s *Store) Record(rep *inspect.Report) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	capabilities, err := json.Marshal(rep.Capabilities)
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}
	tools, err := json.Marshal(rep.Tools)
	if err != nil {
		return "", fmt.Errorf("marshal tools: %w", err)
	}

	var health sql.NullString
	if rep.HealthText != nil {
		health = sql.NullString{String: *rep.HealthText, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, started_at, command, server_name, server_version,
			protocol_version, capabilities, tools, health, outcome, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		rep.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		strings.Join(rep.Command, " "),
		rep.ServerName,
		rep.ServerVersion,
		rep.ProtocolVersion,
		string(capabilities),
		string(tools),
		health,
		string(rep.Outcome),
		rep.DurationMS,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	return id.String(), nil
}

// Count returns the number of recorded runs.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
