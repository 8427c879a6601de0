package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/heartbeat"
	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/scheduler"
	"github.com/dwizi/needloop/internal/store"
)

// SchedulerControl is the part of the scheduler the API can drive.
type SchedulerControl interface {
	Resume(reason string) bool
	Status() scheduler.Status
}

type Dependencies struct {
	Config              config.Config
	Store               *store.Store
	Loop                *loop.Loop
	Scheduler           SchedulerControl
	Stream              *Stream
	Logger              *slog.Logger
	Heartbeat           *heartbeat.Registry
	HeartbeatStaleAfter time.Duration
	Clock               func() time.Time
}

type router struct {
	deps Dependencies
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	rt := &router{deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	mux.HandleFunc("/api/v1/heartbeat", rt.handleHeartbeat)
	mux.HandleFunc("/api/v1/info", rt.handleInfo)
	mux.HandleFunc("/api/v1/state", rt.handleState)
	mux.HandleFunc("/api/v1/cycles", rt.handleCycles)
	mux.HandleFunc("/api/v1/cycles/stream", rt.handleCycleStream)
	mux.HandleFunc("/api/v1/loop/resume", rt.handleResume)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
