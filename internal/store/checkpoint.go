package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
)

var ErrNoCheckpoint = errors.New("no checkpoint saved")

// Checkpoint is the agent state persisted between runs. Reserved slots are
// never saved: a reservation does not outlive its process.
type Checkpoint struct {
	Needs   []needs.Need
	Windows []ledger.WindowState
	SavedAt time.Time
}

// SaveCheckpoint replaces the stored state in one transaction.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	savedAt := checkpoint.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	nowUnix := savedAt.UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	for _, need := range checkpoint.Needs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO need_values (kind, value, updated_at_unix) VALUES (?, ?, ?)
			ON CONFLICT(kind) DO UPDATE SET value = excluded.value, updated_at_unix = excluded.updated_at_unix`,
			string(need.Kind), need.Value, nowUnix,
		); err != nil {
			return fmt.Errorf("save need %s: %w", need.Kind, err)
		}
	}
	for _, window := range checkpoint.Windows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_windows (
				window_key, operation, scope, duration_seconds, max_count,
				current_count, started_at_unix, updated_at_unix,
				duration_ms, started_at_unix_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(window_key) DO UPDATE SET
				operation = excluded.operation,
				scope = excluded.scope,
				duration_seconds = excluded.duration_seconds,
				max_count = excluded.max_count,
				current_count = excluded.current_count,
				started_at_unix = excluded.started_at_unix,
				updated_at_unix = excluded.updated_at_unix,
				duration_ms = excluded.duration_ms,
				started_at_unix_ms = excluded.started_at_unix_ms`,
			window.Key.String(),
			window.Key.Operation,
			string(window.Key.Scope),
			int64(window.Duration/time.Second),
			window.MaxCount,
			window.CurrentCount,
			window.StartedAt.UTC().Unix(),
			nowUnix,
			window.Duration.Milliseconds(),
			window.StartedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("save window %s: %w", window.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns ErrNoCheckpoint when nothing has been saved yet.
func (s *Store) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	var checkpoint Checkpoint
	var latest int64

	needRows, err := s.db.QueryContext(ctx, `SELECT kind, value, updated_at_unix FROM need_values ORDER BY kind`)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load needs: %w", err)
	}
	defer needRows.Close()
	for needRows.Next() {
		var (
			kind      string
			value     float64
			updatedAt int64
		)
		if err := needRows.Scan(&kind, &value, &updatedAt); err != nil {
			return Checkpoint{}, fmt.Errorf("scan need: %w", err)
		}
		checkpoint.Needs = append(checkpoint.Needs, needs.Need{Kind: needs.Kind(kind), Value: value})
		latest = max(latest, updatedAt)
	}
	if err := needRows.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("iterate needs: %w", err)
	}

	windowRows, err := s.db.QueryContext(ctx, `
		SELECT operation, scope, duration_seconds, max_count, current_count, started_at_unix, updated_at_unix,
			duration_ms, started_at_unix_ms
		FROM ledger_windows ORDER BY window_key`)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load windows: %w", err)
	}
	defer windowRows.Close()
	for windowRows.Next() {
		var (
			operation string
			scope     string
			seconds   int64
			maxCount  int
			count     int
			startedAt int64
			updatedAt int64
			millis    int64
			startedMs int64
		)
		if err := windowRows.Scan(&operation, &scope, &seconds, &maxCount, &count, &startedAt, &updatedAt, &millis, &startedMs); err != nil {
			return Checkpoint{}, fmt.Errorf("scan window: %w", err)
		}
		window := ledger.WindowState{
			Key:          ledger.ScopeKey{Operation: operation, Scope: ledger.Scope(scope)},
			Duration:     time.Duration(seconds) * time.Second,
			MaxCount:     maxCount,
			CurrentCount: count,
			StartedAt:    time.Unix(startedAt, 0).UTC(),
		}
		// Rows written before millisecond columns existed keep zero there.
		if millis > 0 {
			window.Duration = time.Duration(millis) * time.Millisecond
		}
		if startedMs > 0 {
			window.StartedAt = time.UnixMilli(startedMs).UTC()
		}
		checkpoint.Windows = append(checkpoint.Windows, window)
		latest = max(latest, updatedAt)
	}
	if err := windowRows.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("iterate windows: %w", err)
	}

	if len(checkpoint.Needs) == 0 && len(checkpoint.Windows) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}
	checkpoint.SavedAt = time.Unix(latest, 0).UTC()
	return checkpoint, nil
}

// ClearCheckpoint drops the saved state so the next start begins fresh.
func (s *Store) ClearCheckpoint(ctx context.Context) error {
	for _, table := range []string{"need_values", "ledger_windows"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}
