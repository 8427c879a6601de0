package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/executor"
	"github.com/dwizi/needloop/internal/executor/plugins/command"
	"github.com/dwizi/needloop/internal/executor/plugins/dryrun"
	"github.com/dwizi/needloop/internal/executor/plugins/mcp"
	"github.com/dwizi/needloop/internal/executor/plugins/webhook"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/needs"
	"github.com/dwizi/needloop/internal/policy"
	"github.com/dwizi/needloop/internal/store"
)

// Agent is a fully wired decision loop with the policy it was built from.
type Agent struct {
	Policy   policy.Policy
	Catalog  *catalog.Catalog
	State    loop.AgentState
	Loop     *loop.Loop
	Restored bool
}

// LoadPolicy reads the policy file, or the embedded default when path is empty.
func LoadPolicy(path string) (policy.Policy, error) {
	if strings.TrimSpace(path) == "" {
		return policy.Default()
	}
	return policy.Load(path)
}

// NewExecutor routes every action to the configured webhook, command or MCP
// server, and to the dry-run plugin when none is set. A configured executor
// that cannot be built is an error, never a silent dry run.
func NewExecutor(cfg config.Config, logger *slog.Logger) (executor.Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.ExecTimeoutSec) * time.Second
	switch {
	case cfg.ExecutorWebhookURL != "":
		return executor.NewRegistry().WithFallback(webhook.New(cfg.ExecutorWebhookURL, cfg.ExecutorWebhookToken, timeout)), nil
	case cfg.ExecutorCommand != "":
		plugin, err := command.New(command.Config{
			Command: cfg.ExecutorCommand,
			Args:    cfg.ExecutorCommandArgs,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return executor.NewRegistry().WithFallback(plugin), nil
	case cfg.ExecutorMCPURL != "":
		plugin, err := mcp.New(mcp.Config{
			Endpoint: cfg.ExecutorMCPURL,
			Token:    cfg.ExecutorMCPToken,
			Tool:     cfg.ExecutorMCPTool,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		return executor.NewRegistry().WithFallback(plugin), nil
	}
	logger.Info("no executor configured, actions run as dry run")
	return executor.NewRegistry().WithFallback(dryrun.New(logger.With("component", "dryrun"))), nil
}

// BuildAgent assembles the loop and, when a store is given and checkpoints are
// enabled, restores need values and window counts from the last checkpoint.
func BuildAgent(ctx context.Context, cfg config.Config, sqlStore *store.Store, exec executor.Executor, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loaded, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	actions, err := catalog.New(loaded)
	if err != nil {
		return nil, err
	}
	needStore, err := needs.New(loaded.Needs)
	if err != nil {
		return nil, fmt.Errorf("build need store: %w", err)
	}
	book, err := ledger.New(loaded.Limits(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("build rate limit ledger: %w", err)
	}
	agent := &Agent{
		Policy:  loaded,
		Catalog: actions,
		State:   loop.AgentState{Needs: needStore, Ledger: book},
	}

	if sqlStore != nil && cfg.CheckpointEnabled {
		checkpoint, err := sqlStore.LoadCheckpoint(ctx)
		switch {
		case errors.Is(err, store.ErrNoCheckpoint):
			logger.Info("no checkpoint found, starting fresh")
		case err != nil:
			return nil, err
		default:
			needStore.Restore(checkpoint.Needs)
			windows := book.Restore(checkpoint.Windows)
			agent.Restored = true
			logger.Info("checkpoint restored",
				"saved_at", checkpoint.SavedAt,
				"needs", len(checkpoint.Needs),
				"windows", windows,
			)
		}
	}

	decisionLoop, err := loop.New(agent.State, actions, exec, logger, loop.Options{
		MaxActionsPerCycle: cfg.MaxActionsPerCycle,
		ExecTimeout:        time.Duration(cfg.ExecTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	agent.Loop = decisionLoop
	return agent, nil
}
