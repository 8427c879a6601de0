package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/store"
)

// RunOnce runs a single decision cycle against the local store without the
// scheduler or the API, recording history and the checkpoint as serve would.
// It refuses to run while a server owns the same database.
func RunOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) (loop.Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return loop.Report{}, err
	}
	lock, err := LockStore(cfg)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return loop.Report{}, fmt.Errorf("%w: %w; use needloop cycle --remote to run against the server", agenterr.ErrConfig, err)
		}
		return loop.Report{}, err
	}
	defer lock.Release()

	sqlStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return loop.Report{}, err
	}
	defer sqlStore.Close()

	exec, err := NewExecutor(cfg, logger)
	if err != nil {
		return loop.Report{}, err
	}
	agent, err := BuildAgent(ctx, cfg, sqlStore, exec, logger)
	if err != nil {
		return loop.Report{}, err
	}
	agent.Loop.AddObserver(NewHistory(sqlStore, agent.State, cfg.CheckpointEnabled, cfg.HistoryLimit, logger))
	return agent.Loop.RunCycle(ctx)
}
