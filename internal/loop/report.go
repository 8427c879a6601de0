package loop

import (
	"strings"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/needs"
	"github.com/dwizi/needloop/internal/scorer"
)

type Outcome string

const (
	OutcomeExecuted    Outcome = "executed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeIdle        Outcome = "idle"
	OutcomeFailed      Outcome = "failed"
	OutcomeAborted     Outcome = "aborted"
)

type CandidateView struct {
	Action     string  `json:"action"`
	Category   string  `json:"category"`
	Utility    float64 `json:"utility"`
	Headroom   int     `json:"headroom"`
	Admissible bool    `json:"admissible"`
}

type Execution struct {
	Action     string                 `json:"action"`
	Operation  string                 `json:"operation"`
	Succeeded  bool                   `json:"succeeded"`
	Plugin     string                 `json:"plugin,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Reference  string                 `json:"reference,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  agenterr.Kind          `json:"error_kind,omitempty"`
	Credited   map[needs.Kind]float64 `json:"credited,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Report is the record of one cycle.
type Report struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Outcome    Outcome         `json:"outcome"`
	Status     string          `json:"status"`
	ErrorKind  agenterr.Kind   `json:"error_kind,omitempty"`
	Candidates []CandidateView `json:"candidates"`
	Executions []Execution     `json:"executions"`
}

// Executed lists the actions that succeeded, in execution order.
func (r Report) Executed() []string {
	var names []string
	for _, execution := range r.Executions {
		if execution.Succeeded {
			names = append(names, execution.Action)
		}
	}
	return names
}

// finalize fills in the outcome, error kind and status line. An auth failure
// anywhere in the cycle wins the error kind so the scheduler can pause.
func (r *Report) finalize(useful int) {
	executed := r.Executed()
	var failureKind agenterr.Kind
	for _, execution := range r.Executions {
		if execution.Succeeded || execution.ErrorKind == agenterr.KindNone {
			continue
		}
		if failureKind == agenterr.KindNone || execution.ErrorKind == agenterr.KindAuth {
			failureKind = execution.ErrorKind
		}
	}
	r.ErrorKind = failureKind

	switch {
	case r.Outcome == OutcomeAborted:
		r.Status = "cycle aborted: " + string(failureKind)
	case len(executed) > 0:
		r.Outcome = OutcomeExecuted
		r.Status = "executed: " + strings.Join(executed, ", ")
		if failureKind != agenterr.KindNone {
			r.Status += "; action failed: " + string(failureKind)
		}
	case failureKind != agenterr.KindNone:
		r.Outcome = OutcomeFailed
		r.Status = "action failed: " + string(failureKind)
	case useful == 0:
		r.Outcome = OutcomeIdle
		r.Status = "no action taken: no candidates"
	default:
		r.Outcome = OutcomeRateLimited
		r.Status = "no action taken: rate-limited"
	}
}

func candidateViews(ranked []scorer.Candidate) []CandidateView {
	views := make([]CandidateView, 0, len(ranked))
	for _, candidate := range ranked {
		views = append(views, CandidateView{
			Action:     candidate.Spec.Name(),
			Category:   string(candidate.Spec.Category()),
			Utility:    candidate.Utility,
			Headroom:   candidate.Headroom,
			Admissible: candidate.Admissible,
		})
	}
	return views
}
