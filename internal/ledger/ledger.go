package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
)

var (
	ErrUnknownWindow      = errors.New("unknown rate limit window")
	ErrReservationSettled = errors.New("reservation already settled")
)

type Scope string

const (
	ScopePerUser Scope = "PER_USER"
	ScopePerApp  Scope = "PER_APP"
)

// ParseScope accepts exactly PER_USER or PER_APP.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.TrimSpace(raw)) {
	case ScopePerUser:
		return ScopePerUser, nil
	case ScopePerApp:
		return ScopePerApp, nil
	default:
		return "", fmt.Errorf("unknown scope %q", raw)
	}
}

// ScopeKey identifies one counting window: an operation counted per user or per app.
type ScopeKey struct {
	Operation string `json:"operation"`
	Scope     Scope  `json:"scope"`
}

func (k ScopeKey) String() string {
	return k.Operation + "@" + string(k.Scope)
}

func ParseScopeKey(raw string) (ScopeKey, error) {
	operation, scope, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok || strings.TrimSpace(operation) == "" {
		return ScopeKey{}, fmt.Errorf("invalid window key %q", raw)
	}
	parsed, err := ParseScope(scope)
	if err != nil {
		return ScopeKey{}, err
	}
	return ScopeKey{Operation: strings.TrimSpace(operation), Scope: parsed}, nil
}

// Limit is the static part of a window, fixed at load time.
type Limit struct {
	Key      ScopeKey
	Duration time.Duration
	MaxCount int
}

// Governed is anything whose execution consumes a slot in a set of windows.
type Governed interface {
	GoverningWindows() []ScopeKey
}

// Keys adapts a plain key list to Governed.
type Keys []ScopeKey

func (k Keys) GoverningWindows() []ScopeKey {
	return k
}

type WindowState struct {
	Key          ScopeKey      `json:"key"`
	Duration     time.Duration `json:"duration"`
	MaxCount     int           `json:"max_count"`
	CurrentCount int           `json:"current_count"`
	Reserved     int           `json:"reserved"`
	StartedAt    time.Time     `json:"started_at"`
}

func (w WindowState) ResetsAt() time.Time {
	return w.StartedAt.Add(w.Duration)
}

// Headroom counts the slots still free in the window, reservations included.
func (w WindowState) Headroom() int {
	free := w.MaxCount - w.CurrentCount - w.Reserved
	if free < 0 {
		return 0
	}
	return free
}

// At returns the window as it reads at now, with an elapsed window shown as reset.
func (w WindowState) At(now time.Time) WindowState {
	if elapsed(w.StartedAt, w.Duration, now) {
		w.CurrentCount = 0
		w.StartedAt = now
	}
	return w
}

type window struct {
	limit     Limit
	count     int
	reserved  int
	startedAt time.Time
}

// Ledger tracks fixed windows. One lock covers every window so an admission
// check and the matching increment are atomic across an action's whole set.
type Ledger struct {
	mu      sync.Mutex
	windows map[ScopeKey]*window
	order   []ScopeKey
}

func New(limits []Limit, start time.Time) (*Ledger, error) {
	ledger := &Ledger{windows: map[ScopeKey]*window{}}
	for _, limit := range limits {
		if strings.TrimSpace(limit.Key.Operation) == "" {
			return nil, fmt.Errorf("window with empty operation")
		}
		if limit.Duration <= 0 {
			return nil, fmt.Errorf("window %s: duration must be positive", limit.Key)
		}
		if limit.MaxCount < 1 {
			return nil, fmt.Errorf("window %s: max count must be positive", limit.Key)
		}
		if _, exists := ledger.windows[limit.Key]; exists {
			return nil, fmt.Errorf("window %s declared twice", limit.Key)
		}
		ledger.windows[limit.Key] = &window{limit: limit, startedAt: start}
		ledger.order = append(ledger.order, limit.Key)
	}
	return ledger, nil
}

// IsAdmissible reports whether every governing window has room at now. It does
// not mutate the ledger; elapsed windows are read as already reset.
func (l *Ledger) IsAdmissible(action Governed, now time.Time) bool {
	keys := uniqueKeys(action)
	if len(keys) == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		w, ok := l.windows[key]
		if !ok {
			return false
		}
		if w.countAt(now)+w.reserved >= w.limit.MaxCount {
			return false
		}
	}
	return true
}

// Headroom sums the free slots over the governing windows at now.
func (l *Ledger) Headroom(action Governed, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, key := range uniqueKeys(action) {
		w, ok := l.windows[key]
		if !ok {
			continue
		}
		free := w.limit.MaxCount - w.countAt(now) - w.reserved
		if free > 0 {
			total += free
		}
	}
	return total
}

// Record consumes one slot on every governing window. It fails without
// mutating anything if any window is full.
func (l *Ledger) Record(action Governed, now time.Time) error {
	keys := uniqueKeys(action)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.admitLocked(keys, now); err != nil {
		return err
	}
	for _, key := range keys {
		w := l.windows[key]
		w.count++
		w.assert()
	}
	return nil
}

// Reserve holds one slot on every governing window until the reservation is
// committed or released. Held slots count against admission for everyone.
func (l *Ledger) Reserve(action Governed, now time.Time) (*Reservation, error) {
	keys := uniqueKeys(action)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.admitLocked(keys, now); err != nil {
		return nil, err
	}
	for _, key := range keys {
		w := l.windows[key]
		w.reserved++
		w.assert()
	}
	return &Reservation{ledger: l, keys: keys}, nil
}

// Rollover resets every window whose duration has elapsed at now.
func (l *Ledger) Rollover(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windows {
		w.rollover(now)
	}
}

// Snapshot returns the raw window state in declaration order.
func (l *Ledger) Snapshot() []WindowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]WindowState, 0, len(l.order))
	for _, key := range l.order {
		items = append(items, l.windows[key].state())
	}
	return items
}

func (l *Ledger) Window(key ScopeKey) (WindowState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		return WindowState{}, false
	}
	return w.state(), true
}

// Restore loads counts from a checkpoint. A saved window is only reused when
// its duration and max count still match the configured limit; otherwise the
// window keeps its fresh state. It returns how many windows were restored.
func (l *Ledger) Restore(saved []WindowState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	restored := 0
	for _, item := range saved {
		w, ok := l.windows[item.Key]
		if !ok {
			continue
		}
		if item.Duration != w.limit.Duration || item.MaxCount != w.limit.MaxCount {
			continue
		}
		count := item.CurrentCount
		if count < 0 {
			count = 0
		}
		if count > w.limit.MaxCount-w.reserved {
			count = w.limit.MaxCount - w.reserved
		}
		w.count = count
		if !item.StartedAt.IsZero() {
			w.startedAt = item.StartedAt
		}
		restored++
	}
	return restored
}

func (l *Ledger) admitLocked(keys []ScopeKey, now time.Time) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: action has no governing windows", ErrUnknownWindow)
	}
	for _, key := range keys {
		if _, ok := l.windows[key]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWindow, key)
		}
	}
	for _, key := range keys {
		l.windows[key].rollover(now)
	}
	for _, key := range keys {
		w := l.windows[key]
		if w.count+w.reserved >= w.limit.MaxCount {
			return fmt.Errorf("%w: %s at %d/%d", agenterr.ErrRateLimitExceeded, key, w.count+w.reserved, w.limit.MaxCount)
		}
	}
	return nil
}

// Reservation is a slot held on a set of windows.
type Reservation struct {
	ledger  *Ledger
	keys    []ScopeKey
	settled bool
}

func (r *Reservation) Keys() []ScopeKey {
	return append([]ScopeKey(nil), r.keys...)
}

// Commit turns the held slot into a recorded use on every window.
func (r *Reservation) Commit(now time.Time) error {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.settled {
		return ErrReservationSettled
	}
	r.settled = true
	for _, key := range r.keys {
		w := l.windows[key]
		w.rollover(now)
		if w.count+1 > w.limit.MaxCount {
			for _, held := range r.keys {
				l.windows[held].reserved--
			}
			return fmt.Errorf("%w: %s at %d/%d", agenterr.ErrRateLimitExceeded, key, w.count, w.limit.MaxCount)
		}
	}
	for _, key := range r.keys {
		w := l.windows[key]
		w.reserved--
		w.count++
		w.assert()
	}
	return nil
}

// Release gives the held slot back without recording anything. Releasing a
// settled reservation is a no-op.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	for _, key := range r.keys {
		w := l.windows[key]
		w.reserved--
		w.assert()
	}
}

func (w *window) countAt(now time.Time) int {
	if elapsed(w.startedAt, w.limit.Duration, now) {
		return 0
	}
	return w.count
}

func (w *window) rollover(now time.Time) {
	if elapsed(w.startedAt, w.limit.Duration, now) {
		w.startedAt = now
		w.count = 0
	}
}

func (w *window) state() WindowState {
	return WindowState{
		Key:          w.limit.Key,
		Duration:     w.limit.Duration,
		MaxCount:     w.limit.MaxCount,
		CurrentCount: w.count,
		Reserved:     w.reserved,
		StartedAt:    w.startedAt,
	}
}

// assert panics on a broken window: counts outside [0, max] are a ledger bug.
func (w *window) assert() {
	if w.count < 0 || w.reserved < 0 || w.count+w.reserved > w.limit.MaxCount {
		panic(fmt.Sprintf("ledger invariant violated on %s: count=%d reserved=%d max=%d",
			w.limit.Key, w.count, w.reserved, w.limit.MaxCount))
	}
}

func elapsed(startedAt time.Time, duration time.Duration, now time.Time) bool {
	return !now.Before(startedAt.Add(duration))
}

func uniqueKeys(action Governed) []ScopeKey {
	if action == nil {
		return nil
	}
	raw := action.GoverningWindows()
	seen := make(map[ScopeKey]struct{}, len(raw))
	keys := make([]ScopeKey, 0, len(raw))
	for _, key := range raw {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// SortStates orders window states by key, for stable output.
func SortStates(items []WindowState) {
	sort.Slice(items, func(left, right int) bool {
		return items[left].Key.String() < items[right].Key.String()
	})
}
