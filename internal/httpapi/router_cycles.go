package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/store"
)

type cycleView struct {
	store.CycleRun
	Report json.RawMessage `json:"report,omitempty"`
}

func (r *router) handleCycles(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleCyclesList(w, req)
	case http.MethodPost:
		r.handleCyclesRun(w, req)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (r *router) handleCyclesList(w http.ResponseWriter, req *http.Request) {
	if r.deps.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cycle history is disabled"})
		return
	}
	limit := 50
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	runs, err := r.deps.Store.ListCycles(req.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	outcome := strings.TrimSpace(req.URL.Query().Get("outcome"))
	items := make([]cycleView, 0, len(runs))
	for _, run := range runs {
		if outcome != "" && run.Outcome != outcome {
			continue
		}
		item := cycleView{CycleRun: run}
		if run.ReportJSON != "" && json.Valid([]byte(run.ReportJSON)) {
			item.Report = json.RawMessage(run.ReportJSON)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (r *router) handleCyclesRun(w http.ResponseWriter, req *http.Request) {
	if r.deps.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "decision loop is not configured"})
		return
	}
	report, err := r.deps.Loop.TryRunCycle(req.Context())
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, loop.ErrCycleInFlight) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	r.deps.Logger.Info("manual cycle triggered", "cycle_id", report.ID, "outcome", report.Outcome)
	writeJSON(w, http.StatusOK, report)
}

type resumeRequest struct {
	Reason string `json:"reason"`
}

func (r *router) handleResume(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if r.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler is not running"})
		return
	}
	var payload resumeRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = "api"
	}
	resumed := r.deps.Scheduler.Resume(reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"resumed":   resumed,
		"scheduler": r.deps.Scheduler.Status(),
	})
}
