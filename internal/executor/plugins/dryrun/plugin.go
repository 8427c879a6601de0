package dryrun

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dwizi/needloop/internal/executor"
)

// Plugin logs each action and reports success without contacting anything.
type Plugin struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{logger: logger}
}

func (p *Plugin) PluginKey() string {
	return "dryrun"
}

func (p *Plugin) ActionTypes() []string {
	return nil
}

func (p *Plugin) Execute(ctx context.Context, request executor.Request) (executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return executor.Result{}, err
	}
	if err := executor.CheckText(request.Parameters); err != nil {
		return executor.Result{}, err
	}
	reference := "dryrun-" + uuid.NewString()
	p.logger.Info("dry run action",
		"action", request.Action.Name(),
		"operation", request.Action.Operation(),
		"cycle_id", request.CycleID,
		"reference", reference,
	)
	return executor.Result{
		Plugin:    p.PluginKey(),
		Message:   fmt.Sprintf("dry run: %s", request.Action.Name()),
		Reference: reference,
	}, nil
}
