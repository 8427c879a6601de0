package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type CycleRun struct {
	ID         string    `json:"id"`
	Outcome    string    `json:"outcome"`
	Status     string    `json:"status"`
	Action     string    `json:"action,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Candidates int       `json:"candidates"`
	ReportJSON string    `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Store) RecordCycle(ctx context.Context, run CycleRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("cycle run id is required")
	}
	finishedAt := run.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = run.StartedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_runs (
			id, outcome, status, action, error_kind, candidates, report_json,
			started_at_unix, finished_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Outcome,
		run.Status,
		nullIfEmpty(run.Action),
		nullIfEmpty(run.ErrorKind),
		run.Candidates,
		nullIfEmpty(run.ReportJSON),
		run.StartedAt.UTC().Unix(),
		finishedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert cycle run: %w", err)
	}
	return nil
}

// ListCycles returns the most recent runs first.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]CycleRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outcome, status, action, error_kind, candidates, report_json, started_at_unix, finished_at_unix
		FROM cycle_runs
		ORDER BY started_at_unix DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycle runs: %w", err)
	}
	defer rows.Close()

	var runs []CycleRun
	for rows.Next() {
		var (
			run        CycleRun
			action     sql.NullString
			errorKind  sql.NullString
			reportJSON sql.NullString
			startedAt  int64
			finishedAt int64
		)
		if err := rows.Scan(&run.ID, &run.Outcome, &run.Status, &action, &errorKind, &run.Candidates, &reportJSON, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan cycle run: %w", err)
		}
		run.Action = action.String
		run.ErrorKind = errorKind.String
		run.ReportJSON = reportJSON.String
		run.StartedAt = time.Unix(startedAt, 0).UTC()
		run.FinishedAt = time.Unix(finishedAt, 0).UTC()
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle runs: %w", err)
	}
	return runs, nil
}

// PruneCycles keeps the newest keep runs and deletes the rest.
func (s *Store) PruneCycles(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cycle_runs WHERE id NOT IN (
			SELECT id FROM cycle_runs ORDER BY started_at_unix DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune cycle runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cycle runs: %w", err)
	}
	return deleted, nil
}
