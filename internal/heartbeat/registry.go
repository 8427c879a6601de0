package heartbeat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StateStarting = "starting"
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
	StateStopped  = "stopped"
	StateStale    = "stale"

	OverallIdle    = "idle"
	OverallUnknown = "unknown"
)

type Reporter interface {
	Starting(component, message string)
	Beat(component, message string)
	Degrade(component, message string, err error)
	Disabled(component, message string)
	Stopped(component, message string)
}

type ComponentStatus struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	BaseState      string `json:"base_state"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	LastBeatAtUnix int64  `json:"last_beat_at_unix,omitempty"`
	UpdatedAtUnix  int64  `json:"updated_at_unix"`
	Stale          bool   `json:"stale,omitempty"`
}

type Snapshot struct {
	GeneratedAtUnix int64             `json:"generated_at_unix"`
	Overall         string            `json:"overall"`
	Components      []ComponentStatus `json:"components"`
}

// Component returns one component's status from the snapshot.
func (s Snapshot) Component(name string) (ComponentStatus, bool) {
	name = normalizeComponent(name)
	for _, item := range s.Components {
		if item.Name == name {
			return item, true
		}
	}
	return ComponentStatus{}, false
}

type componentRecord struct {
	state      string
	message    string
	lastError  string
	lastBeatAt time.Time
	updatedAt  time.Time
}

// Registry keeps the latest reported state of each runtime component.
type Registry struct {
	mu         sync.RWMutex
	now        func() time.Time
	components map[string]componentRecord
}

func NewRegistry() *Registry {
	return &Registry{
		now:        func() time.Time { return time.Now().UTC() },
		components: map[string]componentRecord{},
	}
}

func (r *Registry) Starting(component, message string) {
	r.update(component, StateStarting, message, nil, false)
}

// Beat marks the component healthy and refreshes its staleness clock.
func (r *Registry) Beat(component, message string) {
	r.update(component, StateHealthy, message, nil, true)
}

func (r *Registry) Degrade(component, message string, err error) {
	r.update(component, StateDegraded, message, err, false)
}

func (r *Registry) Disabled(component, message string) {
	r.update(component, StateDisabled, message, nil, false)
}

func (r *Registry) Stopped(component, message string) {
	r.update(component, StateStopped, message, nil, false)
}

func (r *Registry) update(component, state, message string, err error, beat bool) {
	name := normalizeComponent(component)
	if name == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	record := r.components[name]
	record.state = state
	record.message = strings.TrimSpace(message)
	record.lastError = ""
	if err != nil {
		record.lastError = strings.TrimSpace(err.Error())
	}
	record.updatedAt = now
	if beat || record.lastBeatAt.IsZero() {
		record.lastBeatAt = now
	}
	r.components[name] = record
}

// Snapshot reports every component. Healthy or starting components that have
// not beaten within staleAfter read as stale; zero disables the check.
func (r *Registry) Snapshot(staleAfter time.Duration) Snapshot {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]ComponentStatus, 0, len(r.components))
	for name, record := range r.components {
		status := ComponentStatus{
			Name:           name,
			State:          record.state,
			BaseState:      record.state,
			Message:        record.message,
			Error:          record.lastError,
			LastBeatAtUnix: record.lastBeatAt.Unix(),
			UpdatedAtUnix:  record.updatedAt.Unix(),
		}
		if staleAfter > 0 && canBecomeStale(record.state) && now.Sub(record.lastBeatAt) > staleAfter {
			status.State = StateStale
			status.Stale = true
		}
		results = append(results, status)
	}
	sort.Slice(results, func(left, right int) bool {
		return results[left].Name < results[right].Name
	})
	return Snapshot{
		GeneratedAtUnix: now.Unix(),
		Overall:         computeOverall(results),
		Components:      results,
	}
}

func IsDegradedState(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case StateDegraded, StateStale:
		return true
	default:
		return false
	}
}

func normalizeComponent(component string) string {
	return strings.ToLower(strings.TrimSpace(component))
}

func canBecomeStale(state string) bool {
	return state == StateHealthy || state == StateStarting
}

// computeOverall folds component states: any degradation wins, then
// starting, then healthy; only disabled or stopped components read as idle.
func computeOverall(items []ComponentStatus) string {
	if len(items) == 0 {
		return OverallUnknown
	}
	overall := OverallIdle
	for _, item := range items {
		switch item.State {
		case StateDegraded, StateStale:
			return StateDegraded
		case StateStarting:
			overall = StateStarting
		case StateHealthy:
			if overall != StateStarting {
				overall = StateHealthy
			}
		}
	}
	return overall
}
