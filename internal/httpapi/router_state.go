package httpapi

import (
	"net/http"
	"time"

	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/scheduler"
)

type needView struct {
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Deficit   float64 `json:"deficit"`
	DecayRate float64 `json:"decay_rate"`
}

type windowView struct {
	Key          string    `json:"key"`
	Operation    string    `json:"operation"`
	Scope        string    `json:"scope"`
	DurationSec  int64     `json:"duration_sec"`
	MaxCount     int       `json:"max_count"`
	CurrentCount int       `json:"current_count"`
	Reserved     int       `json:"reserved"`
	Headroom     int       `json:"headroom"`
	StartedAt    time.Time `json:"started_at"`
	ResetsAt     time.Time `json:"resets_at"`
}

type stateView struct {
	Phase      loop.Phase        `json:"phase"`
	Needs      []needView        `json:"needs"`
	Windows    []windowView      `json:"windows"`
	LastReport *loop.Report      `json:"last_report,omitempty"`
	Scheduler  *scheduler.Status `json:"scheduler,omitempty"`
}

func (r *router) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if r.deps.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "decision loop is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, r.buildState())
}

func (r *router) buildState() stateView {
	now := r.deps.Clock()
	agent := r.deps.Loop.Agent()
	view := stateView{Phase: r.deps.Loop.State()}

	for _, need := range agent.Needs.Snapshot() {
		view.Needs = append(view.Needs, needView{
			Kind:      string(need.Kind),
			Value:     need.Value,
			Deficit:   agent.Needs.Deficit(need.Kind),
			DecayRate: need.DecayRate,
		})
	}
	for _, raw := range agent.Ledger.Snapshot() {
		window := raw.At(now)
		view.Windows = append(view.Windows, windowView{
			Key:          window.Key.String(),
			Operation:    window.Key.Operation,
			Scope:        string(window.Key.Scope),
			DurationSec:  int64(window.Duration / time.Second),
			MaxCount:     window.MaxCount,
			CurrentCount: window.CurrentCount,
			Reserved:     window.Reserved,
			Headroom:     window.Headroom(),
			StartedAt:    window.StartedAt,
			ResetsAt:     window.ResetsAt(),
		})
	}
	if report, ok := r.deps.Loop.LastReport(); ok {
		view.LastReport = &report
	}
	if r.deps.Scheduler != nil {
		status := r.deps.Scheduler.Status()
		view.Scheduler = &status
	}
	return view
}
