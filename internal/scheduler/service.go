package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/heartbeat"
	"github.com/dwizi/needloop/internal/loop"
)

const (
	defaultInterval = time.Minute

	authBackoffMin = 1 * time.Minute
	authBackoffMax = 30 * time.Minute
)

var cycleCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Runner interface {
	TryRunCycle(ctx context.Context) (loop.Report, error)
}

type Config struct {
	Interval time.Duration
	// CronExpr, when set, replaces the fixed interval.
	CronExpr string
}

// Status describes the cadence and any auth pause.
type Status struct {
	Mode         string    `json:"mode"`
	Cadence      string    `json:"cadence"`
	Paused       bool      `json:"paused"`
	PausedReason string    `json:"paused_reason,omitempty"`
	AuthFailures int       `json:"auth_failures"`
	ProbeAt      time.Time `json:"probe_at,omitempty"`
	LastTickAt   time.Time `json:"last_tick_at,omitempty"`
}

type Service struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	cronExpr string
	schedule cron.Schedule
	reporter heartbeat.Reporter
	now      func() time.Time
	resume   chan struct{}

	mu           sync.Mutex
	paused       bool
	pausedReason string
	authFailures int
	probeAt      time.Time
	lastTickAt   time.Time
}

func New(runner Runner, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	service := &Service{
		runner:   runner,
		logger:   logger.With("component", "scheduler"),
		interval: cfg.Interval,
		now:      func() time.Time { return time.Now().UTC() },
		resume:   make(chan struct{}, 1),
	}
	if service.interval <= 0 {
		service.interval = defaultInterval
	}
	expr := strings.Join(strings.Fields(cfg.CronExpr), " ")
	if expr != "" {
		schedule, err := cycleCronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: parse cycle cron expression: %v", agenterr.ErrConfig, err)
		}
		service.cronExpr = expr
		service.schedule = schedule
	}
	return service, nil
}

func (s *Service) SetHeartbeatReporter(reporter heartbeat.Reporter) {
	s.reporter = reporter
}

// Start drives cycles until ctx is done. A cycle in flight when ctx ends is
// left to finish before Start returns.
func (s *Service) Start(ctx context.Context) error {
	if s.runner == nil {
		if s.reporter != nil {
			s.reporter.Disabled("scheduler", "decision loop missing")
		}
		<-ctx.Done()
		return nil
	}
	if s.reporter != nil {
		s.reporter.Starting("scheduler", "started")
	}
	status := s.Status()
	s.logger.Info("scheduler started", "mode", status.Mode, "cadence", status.Cadence)
	if s.schedule == nil {
		s.tick(ctx)
	}
	for {
		if ctx.Err() != nil {
			s.stopped()
			return nil
		}
		timer := time.NewTimer(s.nextWait(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.stopped()
			return nil
		case <-s.resume:
			timer.Stop()
			s.tick(ctx)
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// Resume clears an auth pause and asks for a cycle right away. It reports
// whether the scheduler was paused.
func (s *Service) Resume(reason string) bool {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.pausedReason = ""
	s.authFailures = 0
	s.probeAt = time.Time{}
	s.mu.Unlock()
	if wasPaused {
		s.logger.Info("scheduler resumed", "reason", strings.TrimSpace(reason))
		select {
		case s.resume <- struct{}{}:
		default:
		}
	}
	return wasPaused
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Mode:         "interval",
		Cadence:      s.interval.String(),
		Paused:       s.paused,
		PausedReason: s.pausedReason,
		AuthFailures: s.authFailures,
		ProbeAt:      s.probeAt,
		LastTickAt:   s.lastTickAt,
	}
	if s.schedule != nil {
		status.Mode = "cron"
		status.Cadence = s.cronExpr
	}
	return status
}

func (s *Service) nextWait(now time.Time) time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	wait := s.schedule.Next(now).Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return wait
}

func (s *Service) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	s.lastTickAt = now
	paused, probeAt := s.paused, s.probeAt
	s.mu.Unlock()
	if paused && now.Before(probeAt) {
		s.logger.Debug("tick skipped while paused", "probe_at", probeAt)
		return
	}

	report, err := s.runner.TryRunCycle(ctx)
	switch {
	case errors.Is(err, loop.ErrCycleInFlight):
		s.logger.Info("tick coalesced, cycle already in flight")
		return
	case err != nil:
		if ctx.Err() == nil {
			s.logger.Error("cycle failed to start", "error", err)
			if s.reporter != nil {
				s.reporter.Degrade("scheduler", "cycle failed to start", err)
			}
		}
		return
	}

	if report.ErrorKind == agenterr.KindAuth {
		failures, next := s.pause(now, report.Status)
		s.logger.Warn("scheduler paused after auth failure",
			"cycle_id", report.ID,
			"auth_failures", failures,
			"probe_at", next,
		)
		if s.reporter != nil {
			s.reporter.Degrade("scheduler", "paused after auth failure", errors.New(report.Status))
		}
		return
	}
	if paused {
		s.Resume("probe cycle succeeded")
		s.drainResume()
	}
	if s.reporter != nil {
		s.reporter.Beat("scheduler", report.Status)
	}
}

func (s *Service) pause(now time.Time, reason string) (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.pausedReason = reason
	s.authFailures++
	s.probeAt = now.Add(authBackoff(s.authFailures))
	return s.authFailures, s.probeAt
}

// drainResume drops a wake-up queued by a resume that happened inside tick.
func (s *Service) drainResume() {
	select {
	case <-s.resume:
	default:
	}
}

func (s *Service) stopped() {
	if s.reporter != nil {
		s.reporter.Stopped("scheduler", "stopped")
	}
	s.logger.Info("scheduler stopped")
}

func authBackoff(consecutive int) time.Duration {
	if consecutive <= 0 {
		return authBackoffMin
	}
	backoff := authBackoffMin
	for index := 1; index < consecutive; index++ {
		backoff *= 2
		if backoff >= authBackoffMax {
			return authBackoffMax
		}
	}
	return backoff
}
