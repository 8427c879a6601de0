package app

import (
	"log/slog"
	"net/http"

	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/heartbeat"
	"github.com/dwizi/needloop/internal/httpapi"
	"github.com/dwizi/needloop/internal/scheduler"
	"github.com/dwizi/needloop/internal/store"
	"github.com/dwizi/needloop/internal/watcher"
)

type Runtime struct {
	cfg              config.Config
	logger           *slog.Logger
	store            *store.Store
	lock             *store.Lock
	agent            *Agent
	history          *History
	httpServer       *http.Server
	stream           *httpapi.Stream
	watcher          *watcher.Service
	scheduler        *scheduler.Service
	heartbeat        *heartbeat.Registry
	heartbeatMonitor *heartbeat.Monitor
}
