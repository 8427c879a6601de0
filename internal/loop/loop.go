package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/executor"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
	"github.com/dwizi/needloop/internal/scorer"
)

var ErrCycleInFlight = errors.New("decision cycle already in flight")

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDecaying  Phase = "decaying"
	PhaseScoring   Phase = "scoring"
	PhaseAdmitting Phase = "admitting"
	PhaseExecuting Phase = "executing"
	PhaseSettling  Phase = "settling"
)

const defaultExecTimeout = 30 * time.Second

// AgentState is the mutable state a cycle reads and settles into. The loop
// owns it; several loops may share one AgentState.
type AgentState struct {
	Needs  *needs.Store
	Ledger *ledger.Ledger
}

type Observer interface {
	OnCycleCompleted(ctx context.Context, report Report)
}

type ObserverFunc func(ctx context.Context, report Report)

func (f ObserverFunc) OnCycleCompleted(ctx context.Context, report Report) {
	f(ctx, report)
}

type Options struct {
	// MaxActionsPerCycle caps how many candidates one cycle may execute.
	// Zero or one keeps the single-action default.
	MaxActionsPerCycle int
	ExecTimeout        time.Duration
	Clock              func() time.Time
	NewID              func() string
}

type Loop struct {
	state       AgentState
	catalog     *catalog.Catalog
	executor    executor.Executor
	logger      *slog.Logger
	maxActions  int
	execTimeout time.Duration
	clock       func() time.Time
	newID       func() string

	cycleMu sync.Mutex

	mu        sync.RWMutex
	phase     Phase
	observers []Observer
	last      Report
	hasLast   bool
}

type held struct {
	spec        catalog.ActionSpec
	reservation *ledger.Reservation
}

func New(state AgentState, actions *catalog.Catalog, exec executor.Executor, logger *slog.Logger, opts Options) (*Loop, error) {
	if state.Needs == nil || state.Ledger == nil {
		return nil, fmt.Errorf("%w: agent state requires needs and ledger", agenterr.ErrConfig)
	}
	if actions == nil || actions.Len() == 0 {
		return nil, fmt.Errorf("%w: action catalog is empty", agenterr.ErrConfig)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is required", agenterr.ErrConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxActions := opts.MaxActionsPerCycle
	if maxActions < 1 {
		maxActions = 1
	}
	execTimeout := opts.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Loop{
		state:       state,
		catalog:     actions,
		executor:    exec,
		logger:      logger.With("component", "loop"),
		maxActions:  maxActions,
		execTimeout: execTimeout,
		clock:       clock,
		newID:       newID,
		phase:       PhaseIdle,
	}, nil
}

func (l *Loop) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, observer)
}

// State reports the phase of the cycle currently running, idle between cycles.
func (l *Loop) State() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

func (l *Loop) Agent() AgentState {
	return l.state
}

func (l *Loop) Catalog() *catalog.Catalog {
	return l.catalog
}

func (l *Loop) LastReport() (Report, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.hasLast
}

// RunCycle runs one cycle, waiting for any cycle already in flight. A context
// that is already done returns its error and changes nothing; once a cycle
// has started it runs to completion regardless of ctx.
func (l *Loop) RunCycle(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	return l.run(ctx), nil
}

// TryRunCycle is RunCycle that skips instead of waiting: if a cycle is in
// flight it returns ErrCycleInFlight immediately.
func (l *Loop) TryRunCycle(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if !l.cycleMu.TryLock() {
		return Report{}, ErrCycleInFlight
	}
	defer l.cycleMu.Unlock()
	return l.run(ctx), nil
}

func (l *Loop) run(parent context.Context) Report {
	ctx := context.WithoutCancel(parent)
	now := l.clock()
	report := Report{ID: l.newID(), StartedAt: now}
	logger := l.logger.With("cycle_id", report.ID)

	l.setPhase(PhaseDecaying)
	l.state.Ledger.Rollover(now)
	l.state.Needs.DecayAll()

	l.setPhase(PhaseScoring)
	ranked := scorer.Rank(l.catalog.Specs(), l.state.Needs, l.state.Ledger, now)
	report.Candidates = candidateViews(ranked)

	l.setPhase(PhaseAdmitting)
	useful, admitted := l.admit(ranked, now, logger)

	aborted := false
	for _, item := range admitted {
		if aborted {
			item.reservation.Release()
			continue
		}
		l.setPhase(PhaseExecuting)
		execution, err := l.execute(ctx, report.ID, item.spec)

		l.setPhase(PhaseSettling)
		if err != nil {
			item.reservation.Release()
			execution.Error = err.Error()
			execution.ErrorKind = agenterr.Classify(err)
			logger.Warn("action failed", "action", execution.Action, "error_kind", string(execution.ErrorKind), "error", err)
			report.Executions = append(report.Executions, execution)
			if execution.ErrorKind == agenterr.KindAuth {
				aborted = true
			}
			continue
		}
		if err := item.reservation.Commit(l.clock()); err != nil {
			execution.Error = err.Error()
			execution.ErrorKind = agenterr.Classify(err)
			execution.Succeeded = false
			logger.Error("ledger commit refused after execution", "action", execution.Action, "error", err)
			report.Executions = append(report.Executions, execution)
			report.Outcome = OutcomeAborted
			aborted = true
			continue
		}
		effects := item.spec.Effects()
		if err := l.state.Needs.CreditAll(effects); err != nil {
			logger.Error("credit needs failed", "action", execution.Action, "error", err)
		} else {
			execution.Credited = effects
		}
		report.Executions = append(report.Executions, execution)
		logger.Info("action executed", "action", execution.Action, "plugin", execution.Plugin, "reference", execution.Reference)
	}

	report.FinishedAt = l.clock()
	report.finalize(useful)
	l.setPhase(PhaseIdle)

	logger.Info("cycle completed",
		"outcome", string(report.Outcome),
		"status", report.Status,
		"candidates", len(report.Candidates),
		"executions", len(report.Executions),
		"duration", report.FinishedAt.Sub(report.StartedAt).String(),
	)

	l.mu.Lock()
	l.last = report
	l.hasLast = true
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()
	for _, observer := range observers {
		observer.OnCycleCompleted(ctx, report)
	}
	return report
}

// admit walks the ranked candidates and reserves up to maxActions of them.
// Each reservation is checked against counts that include the earlier ones.
// Candidates with no utility are never admitted. It returns how many useful
// candidates there were alongside the reservations taken.
func (l *Loop) admit(ranked []scorer.Candidate, now time.Time, logger *slog.Logger) (int, []held) {
	useful := 0
	var admitted []held
	for _, candidate := range ranked {
		if candidate.Utility <= 0 {
			continue
		}
		useful++
		if len(admitted) >= l.maxActions {
			continue
		}
		reservation, err := l.state.Ledger.Reserve(candidate.Spec, now)
		if err != nil {
			if !errors.Is(err, agenterr.ErrRateLimitExceeded) {
				logger.Error("admission check failed", "action", candidate.Spec.Name(), "error", err)
			}
			continue
		}
		admitted = append(admitted, held{spec: candidate.Spec, reservation: reservation})
	}
	return useful, admitted
}

// execute calls the executor bounded by the per-call timeout. An executor
// that ignores its context is abandoned at the deadline.
func (l *Loop) execute(ctx context.Context, cycleID string, spec catalog.ActionSpec) (Execution, error) {
	execution := Execution{
		Action:    spec.Name(),
		Operation: spec.Operation(),
		StartedAt: l.clock(),
	}
	execCtx, cancel := context.WithTimeout(ctx, l.execTimeout)
	defer cancel()

	type outcome struct {
		result executor.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := l.executor.Execute(execCtx, executor.Request{
			Action:     spec,
			Parameters: spec.Parameters(),
			CycleID:    cycleID,
		})
		done <- outcome{result: result, err: err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-execCtx.Done():
		got.err = execCtx.Err()
	}
	execution.FinishedAt = l.clock()
	if got.err != nil {
		if errors.Is(got.err, context.DeadlineExceeded) && !errors.Is(got.err, agenterr.ErrTransientAPI) {
			got.err = fmt.Errorf("%w: executor timed out after %s: %w", agenterr.ErrTransientAPI, l.execTimeout, got.err)
		}
		return execution, got.err
	}
	execution.Succeeded = true
	execution.Plugin = got.result.Plugin
	execution.Message = strings.TrimSpace(got.result.Message)
	execution.Reference = strings.TrimSpace(got.result.Reference)
	return execution, nil
}

func (l *Loop) setPhase(phase Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phase = phase
}
