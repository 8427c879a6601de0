package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/store"
)

const historyWriteTimeout = 3 * time.Second

// History persists every finished cycle and, when enabled, checkpoints the
// agent state after it. It is registered as a loop observer.
type History struct {
	store      *store.Store
	state      loop.AgentState
	checkpoint bool
	keep       int
	logger     *slog.Logger
}

func NewHistory(sqlStore *store.Store, state loop.AgentState, checkpoint bool, keep int, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		store:      sqlStore,
		state:      state,
		checkpoint: checkpoint,
		keep:       keep,
		logger:     logger.With("component", "history"),
	}
}

func (h *History) OnCycleCompleted(ctx context.Context, report loop.Report) {
	if h.store == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, historyWriteTimeout)
	defer cancel()

	if err := h.store.RecordCycle(writeCtx, cycleRunFromReport(report)); err != nil {
		h.logger.Error("record cycle failed", "cycle_id", report.ID, "error", err)
	}
	if h.keep > 0 {
		if pruned, err := h.store.PruneCycles(writeCtx, h.keep); err != nil {
			h.logger.Error("prune cycle history failed", "error", err)
		} else if pruned > 0 {
			h.logger.Debug("pruned cycle history", "deleted", pruned)
		}
	}
	if h.checkpoint {
		if err := h.Flush(writeCtx); err != nil {
			h.logger.Error("checkpoint failed", "cycle_id", report.ID, "error", err)
		}
	}
}

// Flush writes the current need values and window counts.
func (h *History) Flush(ctx context.Context) error {
	if h.store == nil || !h.checkpoint {
		return nil
	}
	return h.store.SaveCheckpoint(ctx, store.Checkpoint{
		Needs:   h.state.Needs.Snapshot(),
		Windows: h.state.Ledger.Snapshot(),
		SavedAt: time.Now().UTC(),
	})
}

func cycleRunFromReport(report loop.Report) store.CycleRun {
	run := store.CycleRun{
		ID:         report.ID,
		Outcome:    string(report.Outcome),
		Status:     report.Status,
		ErrorKind:  string(report.ErrorKind),
		Candidates: len(report.Candidates),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	if executed := report.Executed(); len(executed) > 0 {
		run.Action = executed[0]
	} else if len(report.Executions) > 0 {
		run.Action = report.Executions[0].Action
	}
	if encoded, err := json.Marshal(report); err == nil {
		run.ReportJSON = string(encoded)
	}
	return run
}
