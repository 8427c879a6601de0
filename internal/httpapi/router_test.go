package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/executor"
	"github.com/dwizi/needloop/internal/executor/plugins/dryrun"
	"github.com/dwizi/needloop/internal/heartbeat"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/needs"
	"github.com/dwizi/needloop/internal/policy"
	"github.com/dwizi/needloop/internal/scheduler"
	"github.com/dwizi/needloop/internal/store"
)

var routerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingPlugin struct {
	release chan struct{}
}

func (p *blockingPlugin) PluginKey() string      { return "blocking" }
func (p *blockingPlugin) ActionTypes() []string { return nil }
func (p *blockingPlugin) Execute(ctx context.Context, request executor.Request) (executor.Result, error) {
	<-p.release
	return executor.Result{Plugin: "blocking"}, nil
}

type fakeScheduler struct {
	resumed []string
	paused  bool
}

func (f *fakeScheduler) Resume(reason string) bool {
	f.resumed = append(f.resumed, reason)
	wasPaused := f.paused
	f.paused = false
	return wasPaused
}

func (f *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{Mode: "interval", Cadence: "15m0s", Paused: f.paused}
}

func newRouterTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlStore, err := store.New(filepath.Join(t.TempDir(), "router_test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return sqlStore
}

func newTestLoop(t *testing.T, plugin executor.Plugin) *loop.Loop {
	t.Helper()
	loaded, err := policy.Default()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	actions, err := catalog.New(loaded)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	needStore, err := needs.New(loaded.Needs)
	if err != nil {
		t.Fatalf("needs: %v", err)
	}
	book, err := ledger.New(loaded.Limits(), routerNow)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if plugin == nil {
		plugin = dryrun.New(discardLogger())
	}
	decisionLoop, err := loop.New(
		loop.AgentState{Needs: needStore, Ledger: book},
		actions,
		executor.NewRegistry().WithFallback(plugin),
		discardLogger(),
		loop.Options{Clock: func() time.Time { return routerNow }},
	)
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	return decisionLoop
}

func TestHealthAndReady(t *testing.T) {
	handler := NewRouter(Dependencies{
		Config: config.Config{Environment: "test"},
		Store:  newRouterTestStore(t),
		Loop:   newTestLoop(t, nil),
		Logger: discardLogger(),
	})
	for _, path := range []string{"/healthz", "/readyz"} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, res.Code)
		}
	}

	notReady := NewRouter(Dependencies{Logger: discardLogger()})
	res := httptest.NewRecorder()
	notReady.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without loop, got %d", res.Code)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	disabled := NewRouter(Dependencies{Logger: discardLogger()})
	res := httptest.NewRecorder()
	disabled.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/heartbeat", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when heartbeat disabled, got %d", res.Code)
	}

	registry := heartbeat.NewRegistry()
	registry.Beat("loop", "cycle executed")
	enabled := NewRouter(Dependencies{Logger: discardLogger(), Heartbeat: registry, HeartbeatStaleAfter: time.Minute})
	res = httptest.NewRecorder()
	enabled.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/heartbeat", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var snapshot heartbeat.Snapshot
	if err := json.Unmarshal(res.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if _, ok := snapshot.Component("loop"); !ok {
		t.Fatalf("expected loop component, got %+v", snapshot)
	}
}

func TestStateReflectsExecutedCycle(t *testing.T) {
	decisionLoop := newTestLoop(t, nil)
	handler := NewRouter(Dependencies{
		Loop:      decisionLoop,
		Scheduler: &fakeScheduler{},
		Logger:    discardLogger(),
		Clock:     func() time.Time { return routerNow },
	})

	runRes := httptest.NewRecorder()
	handler.ServeHTTP(runRes, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
	if runRes.Code != http.StatusOK {
		t.Fatalf("expected 200 for manual cycle, got %d body=%s", runRes.Code, runRes.Body.String())
	}
	var report loop.Report
	if err := json.Unmarshal(runRes.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Outcome != loop.OutcomeExecuted || len(report.Executions) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	executed := report.Executions[0]

	stateRes := httptest.NewRecorder()
	handler.ServeHTTP(stateRes, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
	if stateRes.Code != http.StatusOK {
		t.Fatalf("expected 200 for state, got %d", stateRes.Code)
	}
	var state stateView
	if err := json.Unmarshal(stateRes.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Phase != loop.PhaseIdle || len(state.Needs) != 5 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.LastReport == nil || state.LastReport.ID != report.ID {
		t.Fatalf("expected last report in state, got %+v", state.LastReport)
	}
	if state.Scheduler == nil || state.Scheduler.Mode != "interval" {
		t.Fatalf("expected scheduler status, got %+v", state.Scheduler)
	}
	consumed := 0
	for _, window := range state.Windows {
		if window.Operation == executed.Operation {
			if window.CurrentCount != 1 || window.Headroom != window.MaxCount-1 {
				t.Fatalf("unexpected governing window: %+v", window)
			}
			consumed++
		} else if window.CurrentCount != 0 {
			t.Fatalf("unrelated window consumed: %+v", window)
		}
	}
	if consumed == 0 {
		t.Fatalf("expected windows for %s, got %+v", executed.Operation, state.Windows)
	}
}

func TestManualCycleConflictsWhileInFlight(t *testing.T) {
	plugin := &blockingPlugin{release: make(chan struct{})}
	decisionLoop := newTestLoop(t, plugin)
	handler := NewRouter(Dependencies{Loop: decisionLoop, Logger: discardLogger()})

	first := make(chan int, 1)
	go func() {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
		first <- res.Code
	}()

	deadline := time.Now().Add(5 * time.Second)
	for decisionLoop.State() != loop.PhaseExecuting {
		if time.Now().After(deadline) {
			close(plugin.release)
			t.Fatal("cycle never reached executing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
	close(plugin.release)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", res.Code)
	}
	if code := <-first; code != http.StatusOK {
		t.Fatalf("expected first cycle to finish with 200, got %d", code)
	}
}

func TestCycleHistoryListing(t *testing.T) {
	sqlStore := newRouterTestStore(t)
	ctx := context.Background()
	for index, outcome := range []string{"executed", "rate_limited", "executed"} {
		if err := sqlStore.RecordCycle(ctx, store.CycleRun{
			ID:         "cycle-" + string(rune('a'+index)),
			Outcome:    outcome,
			Status:     "status",
			ReportJSON: `{"id":"cycle-` + string(rune('a'+index)) + `"}`,
			StartedAt:  routerNow.Add(time.Duration(index) * time.Minute),
		}); err != nil {
			t.Fatalf("record cycle: %v", err)
		}
	}
	handler := NewRouter(Dependencies{Store: sqlStore, Logger: discardLogger()})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/cycles?outcome=executed", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Items []struct {
			ID     string          `json:"id"`
			Report json.RawMessage `json:"report"`
		} `json:"items"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Count != 2 || payload.Items[0].ID != "cycle-c" || !strings.Contains(string(payload.Items[0].Report), "cycle-c") {
		t.Fatalf("unexpected listing: %+v", payload)
	}

	bad := httptest.NewRecorder()
	handler.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/api/v1/cycles?limit=zero", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.Code)
	}
}

func TestResumeEndpoint(t *testing.T) {
	fake := &fakeScheduler{paused: true}
	handler := NewRouter(Dependencies{Scheduler: fake, Logger: discardLogger()})

	body, _ := json.Marshal(map[string]string{"reason": "credentials rotated"})
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/v1/loop/resume", bytes.NewReader(body)))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Resumed bool `json:"resumed"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !payload.Resumed || len(fake.resumed) != 1 || fake.resumed[0] != "credentials rotated" {
		t.Fatalf("unexpected resume: %+v %v", payload, fake.resumed)
	}

	get := httptest.NewRecorder()
	handler.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/v1/loop/resume", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", get.Code)
	}
}

func TestCycleStreamDeliversReports(t *testing.T) {
	decisionLoop := newTestLoop(t, nil)
	stream := NewStream(discardLogger())
	decisionLoop.AddObserver(stream)
	server := httptest.NewServer(NewRouter(Dependencies{Loop: decisionLoop, Stream: stream, Logger: discardLogger()}))
	defer server.Close()
	defer stream.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/cycles/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for stream.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	report, err := decisionLoop.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var received loop.Report
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read report: %v", err)
	}
	if received.ID != report.ID || received.Outcome != report.Outcome {
		t.Fatalf("unexpected streamed report: %+v", received)
	}
}
