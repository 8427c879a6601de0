package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwizi/needloop/internal/heartbeat"
)

func (r *Runtime) Run(ctx context.Context) error {
	status := r.scheduler.Status()
	r.logger.Info("needloop runtime starting",
		"addr", r.cfg.HTTPAddr,
		"mode", status.Mode,
		"cadence", status.Cadence,
		"actions", r.agent.Catalog.Len(),
		"restored", r.agent.Restored,
	)
	if r.heartbeat != nil {
		r.heartbeat.Beat("runtime", "runtime loop started")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), "scheduler", 0, func(runCtx context.Context) error {
			return r.scheduler.Start(runCtx)
		})
	})
	if r.watcher != nil {
		group.Go(func() error {
			return runMonitored(groupCtx, r.reporter(), "watcher", 0, func(runCtx context.Context) error {
				return r.watcher.Start(runCtx)
			})
		})
	}
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), "api", 20*time.Second, func(runCtx context.Context) error {
			err := r.httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	})
	if r.heartbeatMonitor != nil {
		group.Go(func() error {
			return r.heartbeatMonitor.Start(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		r.stream.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// Close flushes a final checkpoint and closes the store.
func (r *Runtime) Close() error {
	if r.stream != nil {
		r.stream.Close()
	}
	if r.store == nil {
		return nil
	}
	if r.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := r.history.Flush(ctx); err != nil {
			r.logger.Error("final checkpoint failed", "error", err)
		}
		cancel()
	}
	err := r.store.Close()
	if releaseErr := r.lock.Release(); err == nil {
		err = releaseErr
	}
	return err
}

// reporter avoids handing runMonitored a typed nil registry.
func (r *Runtime) reporter() heartbeat.Reporter {
	if r.heartbeat == nil {
		return nil
	}
	return r.heartbeat
}

func runMonitored(
	ctx context.Context,
	reporter heartbeat.Reporter,
	component string,
	beatInterval time.Duration,
	run func(context.Context) error,
) error {
	if run == nil {
		return nil
	}
	if reporter != nil {
		reporter.Starting(component, "starting")
		reporter.Beat(component, "running")
	}

	var stopHeartbeat func()
	if reporter != nil && beatInterval > 0 {
		heartbeatCtx, cancel := context.WithCancel(ctx)
		stopHeartbeat = cancel
		go func() {
			ticker := time.NewTicker(beatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatCtx.Done():
					return
				case <-ticker.C:
					reporter.Beat(component, "running")
				}
			}
		}()
	}

	err := run(ctx)
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if reporter == nil {
		return err
	}
	if err != nil && ctx.Err() == nil {
		reporter.Degrade(component, "component failed", err)
		return err
	}
	reporter.Stopped(component, "stopped")
	return err
}
