package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS need_values (
			kind TEXT PRIMARY KEY,
			value REAL NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_windows (
			window_key TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			scope TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			max_count INTEGER NOT NULL,
			current_count INTEGER NOT NULL,
			started_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at_unix_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS cycle_runs (
			id TEXT PRIMARY KEY,
			outcome TEXT NOT NULL,
			status TEXT NOT NULL,
			action TEXT,
			error_kind TEXT,
			candidates INTEGER NOT NULL DEFAULT 0,
			report_json TEXT,
			started_at_unix INTEGER NOT NULL,
			finished_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_runs_started ON cycle_runs(started_at_unix DESC);`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}

	alterQueries := []string{
		`ALTER TABLE ledger_windows ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE ledger_windows ADD COLUMN started_at_unix_ms INTEGER NOT NULL DEFAULT 0;`,
	}
	for _, query := range alterQueries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return fmt.Errorf("run migration alter: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
