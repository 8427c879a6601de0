package heartbeat

import (
	"context"
	"errors"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/loop"
)

const LoopComponent = "loop"

// CycleReporter beats the loop component after every cycle. Auth failures and
// aborted cycles degrade it; transient failures and rate-limited cycles are
// normal operation.
type CycleReporter struct {
	reporter Reporter
}

func NewCycleReporter(reporter Reporter) *CycleReporter {
	return &CycleReporter{reporter: reporter}
}

func (c *CycleReporter) OnCycleCompleted(ctx context.Context, report loop.Report) {
	if c == nil || c.reporter == nil {
		return
	}
	switch {
	case report.Outcome == loop.OutcomeAborted,
		report.ErrorKind == agenterr.KindAuth,
		report.ErrorKind == agenterr.KindConfig:
		c.reporter.Degrade(LoopComponent, report.Status, errors.New(string(report.ErrorKind)))
	default:
		c.reporter.Beat(LoopComponent, report.Status)
	}
}
