package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/heartbeat"
	"github.com/dwizi/needloop/internal/httpapi"
	"github.com/dwizi/needloop/internal/policy"
	"github.com/dwizi/needloop/internal/scheduler"
	"github.com/dwizi/needloop/internal/store"
	"github.com/dwizi/needloop/internal/watcher"
)

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lock, err := LockStore(cfg)
	if err != nil {
		return nil, err
	}
	sqlStore, err := OpenStore(context.Background(), cfg)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	abort := func() {
		sqlStore.Close()
		_ = lock.Release()
	}

	var heartbeatRegistry *heartbeat.Registry
	if cfg.HeartbeatEnabled {
		heartbeatRegistry = heartbeat.NewRegistry()
		heartbeatRegistry.Starting("runtime", "booting")
		heartbeatRegistry.Starting(heartbeat.LoopComponent, "initializing")
		heartbeatRegistry.Starting("scheduler", "initializing")
		heartbeatRegistry.Starting("api", "initializing")
		if cfg.CredentialsFile != "" || cfg.PolicyFile != "" {
			heartbeatRegistry.Starting("watcher", "initializing")
		} else {
			heartbeatRegistry.Disabled("watcher", "no files to watch")
		}
	}

	exec, err := NewExecutor(cfg, logger)
	if err != nil {
		abort()
		return nil, err
	}
	agent, err := BuildAgent(context.Background(), cfg, sqlStore, exec, logger)
	if err != nil {
		abort()
		return nil, err
	}

	history := NewHistory(sqlStore, agent.State, cfg.CheckpointEnabled, cfg.HistoryLimit, logger)
	stream := httpapi.NewStream(logger)
	agent.Loop.AddObserver(history)
	agent.Loop.AddObserver(stream)
	if heartbeatRegistry != nil {
		agent.Loop.AddObserver(heartbeat.NewCycleReporter(heartbeatRegistry))
	}

	schedulerService, err := scheduler.New(agent.Loop, scheduler.Config{
		Interval: time.Duration(cfg.CycleIntervalSec) * time.Second,
		CronExpr: cfg.CycleCron,
	}, logger)
	if err != nil {
		abort()
		return nil, err
	}
	if heartbeatRegistry != nil {
		schedulerService.SetHeartbeatReporter(heartbeatRegistry)
	}

	var watchService *watcher.Service
	if cfg.CredentialsFile != "" || cfg.PolicyFile != "" {
		watchService, err = watcher.New(
			[]string{cfg.CredentialsFile, cfg.PolicyFile},
			logger,
			fileChangeHandler(cfg, schedulerService, logger),
		)
		if err != nil {
			sqlStore.Close()
			return nil, err
		}
	}

	staleAfter := time.Duration(cfg.StaleAfterSec()) * time.Second
	var heartbeatMonitor *heartbeat.Monitor
	if heartbeatRegistry != nil {
		heartbeatMonitor = heartbeat.NewMonitor(heartbeatRegistry, heartbeat.MonitorConfig{
			Interval:   time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
			StaleAfter: staleAfter,
			Logger:     logger,
		})
	}

	handler := httpapi.NewRouter(httpapi.Dependencies{
		Config:              cfg,
		Store:               sqlStore,
		Loop:                agent.Loop,
		Scheduler:           schedulerService,
		Stream:              stream,
		Logger:              logger.With("component", "api"),
		Heartbeat:           heartbeatRegistry,
		HeartbeatStaleAfter: staleAfter,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Runtime{
		cfg:              cfg,
		logger:           logger,
		store:            sqlStore,
		lock:             lock,
		agent:            agent,
		history:          history,
		httpServer:       httpServer,
		stream:           stream,
		watcher:          watchService,
		scheduler:        schedulerService,
		heartbeat:        heartbeatRegistry,
		heartbeatMonitor: heartbeatMonitor,
	}, nil
}

// LockStore claims the database for this process. Serving and local cycles
// both hold it, so two processes never own the same ledger.
func LockStore(cfg config.Config) (*store.Lock, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return store.AcquireLock(cfg.DBPath)
}

// OpenStore creates the database directory, opens the store and migrates it.
func OpenStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	sqlStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlStore.AutoMigrate(ctx); err != nil {
		sqlStore.Close()
		return nil, err
	}
	return sqlStore, nil
}

type resumer interface {
	Resume(reason string) bool
}

// fileChangeHandler resumes a paused scheduler when credentials change. A
// changed policy file is only validated; it takes effect on restart.
func fileChangeHandler(cfg config.Config, target resumer, logger *slog.Logger) func(context.Context, string) {
	credentials := absOrEmpty(cfg.CredentialsFile)
	policyFile := absOrEmpty(cfg.PolicyFile)
	return func(ctx context.Context, path string) {
		switch path {
		case credentials:
			if target.Resume("credentials changed") {
				logger.Info("credentials changed, decision loop resumed", "path", path)
			}
		case policyFile:
			if _, err := policy.Load(path); err != nil {
				logger.Warn("changed policy file is invalid", "path", path, "error", err)
				return
			}
			logger.Info("policy file changed, restart to apply", "path", path)
		}
	}
}

func absOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absolute
}
