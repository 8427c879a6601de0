package ledger

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
)

var (
	testStart   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	createUser  = ScopeKey{Operation: "tweets.create", Scope: ScopePerUser}
	createApp   = ScopeKey{Operation: "tweets.create", Scope: ScopePerApp}
	likesUser   = ScopeKey{Operation: "users.likes", Scope: ScopePerUser}
	postWindows = Keys{createUser, createApp}
)

func newTestLedger(t *testing.T, limits ...Limit) *Ledger {
	t.Helper()
	ledger, err := New(limits, testStart)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestSingleSlotWindowRollsOverAfterDuration(t *testing.T) {
	ledger := newTestLedger(t, Limit{Key: likesUser, Duration: 15 * time.Minute, MaxCount: 1})
	like := Keys{likesUser}

	if !ledger.IsAdmissible(like, testStart) {
		t.Fatal("expected fresh window to admit")
	}
	if err := ledger.Record(like, testStart); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if ledger.IsAdmissible(like, testStart.Add(14*time.Minute)) {
		t.Fatal("expected full window to reject inside 15 minutes")
	}

	later := testStart.Add(15 * time.Minute)
	ledger.Rollover(later)
	if !ledger.IsAdmissible(like, later) {
		t.Fatal("expected window to admit after rollover")
	}
	state, _ := ledger.Window(likesUser)
	if state.CurrentCount != 0 || !state.StartedAt.Equal(later) {
		t.Fatalf("unexpected window after rollover: %+v", state)
	}
}

func TestRecordFailsWithoutHeadroomAndMutatesNothing(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: 15 * time.Minute, MaxCount: 3},
		Limit{Key: createApp, Duration: 24 * time.Hour, MaxCount: 1},
	)
	if err := ledger.Record(postWindows, testStart); err != nil {
		t.Fatalf("record: %v", err)
	}

	err := ledger.Record(postWindows, testStart.Add(time.Minute))
	if !errors.Is(err, agenterr.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	user, _ := ledger.Window(createUser)
	if user.CurrentCount != 1 {
		t.Fatalf("expected per-user count untouched at 1, got %d", user.CurrentCount)
	}
}

func TestBothScopesMustClear(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: 15 * time.Minute, MaxCount: 5},
		Limit{Key: createApp, Duration: 15 * time.Minute, MaxCount: 2},
	)
	for index := 0; index < 2; index++ {
		if err := ledger.Record(postWindows, testStart); err != nil {
			t.Fatalf("record %d: %v", index, err)
		}
	}
	if ledger.IsAdmissible(postWindows, testStart) {
		t.Fatal("expected exhausted app window to block despite user headroom")
	}
	if !ledger.IsAdmissible(Keys{createUser}, testStart) {
		t.Fatal("expected user window alone to still admit")
	}
}

func TestIsAdmissibleDoesNotMutate(t *testing.T) {
	ledger := newTestLedger(t, Limit{Key: likesUser, Duration: time.Minute, MaxCount: 1})
	if err := ledger.Record(Keys{likesUser}, testStart); err != nil {
		t.Fatalf("record: %v", err)
	}
	before := ledger.Snapshot()
	if !ledger.IsAdmissible(Keys{likesUser}, testStart.Add(2*time.Minute)) {
		t.Fatal("expected elapsed window to read as reset")
	}
	if !reflect.DeepEqual(before, ledger.Snapshot()) {
		t.Fatalf("admission check mutated state: %+v vs %+v", before, ledger.Snapshot())
	}
}

func TestRolloverIsIdempotent(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: 15 * time.Minute, MaxCount: 4},
		Limit{Key: createApp, Duration: 24 * time.Hour, MaxCount: 10},
	)
	for index := 0; index < 3; index++ {
		if err := ledger.Record(postWindows, testStart); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	now := testStart.Add(20 * time.Minute)
	ledger.Rollover(now)
	once := ledger.Snapshot()
	ledger.Rollover(now)
	if !reflect.DeepEqual(once, ledger.Snapshot()) {
		t.Fatalf("second rollover changed state: %+v vs %+v", once, ledger.Snapshot())
	}
	app, _ := ledger.Window(createApp)
	if app.CurrentCount != 3 {
		t.Fatalf("expected long window untouched at 3, got %d", app.CurrentCount)
	}
}

func TestCountNeverExceedsMaxUnderGatedRecords(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: 15 * time.Minute, MaxCount: 7},
		Limit{Key: createApp, Duration: time.Hour, MaxCount: 11},
	)
	now := testStart
	for step := 0; step < 400; step++ {
		now = now.Add(47 * time.Second)
		if step%13 == 0 {
			ledger.Rollover(now)
		}
		if ledger.IsAdmissible(postWindows, now) {
			if err := ledger.Record(postWindows, now); err != nil {
				t.Fatalf("step %d: gated record failed: %v", step, err)
			}
		}
		for _, state := range ledger.Snapshot() {
			if state.CurrentCount > state.MaxCount {
				t.Fatalf("step %d: %s exceeded max: %d/%d", step, state.Key, state.CurrentCount, state.MaxCount)
			}
		}
	}
}

func TestReservationCommitAndRelease(t *testing.T) {
	ledger := newTestLedger(t, Limit{Key: likesUser, Duration: time.Hour, MaxCount: 1})

	held, err := ledger.Reserve(Keys{likesUser}, testStart)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ledger.IsAdmissible(Keys{likesUser}, testStart) {
		t.Fatal("expected held slot to block admission")
	}
	held.Release()
	held.Release()
	state, _ := ledger.Window(likesUser)
	if state.CurrentCount != 0 || state.Reserved != 0 {
		t.Fatalf("expected release to restore window, got %+v", state)
	}

	held, err = ledger.Reserve(Keys{likesUser}, testStart)
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if err := held.Commit(testStart); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !errors.Is(held.Commit(testStart), ErrReservationSettled) {
		t.Fatal("expected double commit to be refused")
	}
	state, _ = ledger.Window(likesUser)
	if state.CurrentCount != 1 || state.Reserved != 0 {
		t.Fatalf("expected committed count 1, got %+v", state)
	}
}

func TestConcurrentReservationsNeverOverbook(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: time.Hour, MaxCount: 25},
		Limit{Key: createApp, Duration: time.Hour, MaxCount: 10},
	)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 10; attempt++ {
				held, err := ledger.Reserve(postWindows, testStart)
				if err != nil {
					continue
				}
				if err := held.Commit(testStart); err != nil {
					t.Errorf("commit: %v", err)
					return
				}
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Fatalf("expected exactly 10 admitted actions, got %d", admitted)
	}
}

func TestUnknownWindowIsRejected(t *testing.T) {
	ledger := newTestLedger(t, Limit{Key: likesUser, Duration: time.Minute, MaxCount: 2})
	if ledger.IsAdmissible(Keys{createUser}, testStart) {
		t.Fatal("expected unknown window to be inadmissible")
	}
	if err := ledger.Record(Keys{createUser}, testStart); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow, got %v", err)
	}
	if ledger.IsAdmissible(Keys{}, testStart) {
		t.Fatal("expected action without windows to be inadmissible")
	}
}

func TestHeadroomSumsGoverningWindows(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: 15 * time.Minute, MaxCount: 4},
		Limit{Key: createApp, Duration: 24 * time.Hour, MaxCount: 6},
	)
	if err := ledger.Record(postWindows, testStart); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := ledger.Headroom(postWindows, testStart); got != 8 {
		t.Fatalf("expected headroom 8, got %d", got)
	}
	if got := ledger.Headroom(postWindows, testStart.Add(16*time.Minute)); got != 9 {
		t.Fatalf("expected headroom 9 once short window elapsed, got %d", got)
	}
}

func TestRestoreSkipsChangedLimits(t *testing.T) {
	ledger := newTestLedger(t,
		Limit{Key: createUser, Duration: 15 * time.Minute, MaxCount: 4},
		Limit{Key: createApp, Duration: 24 * time.Hour, MaxCount: 6},
	)
	restored := ledger.Restore([]WindowState{
		{Key: createUser, Duration: 15 * time.Minute, MaxCount: 4, CurrentCount: 9, StartedAt: testStart},
		{Key: createApp, Duration: time.Hour, MaxCount: 6, CurrentCount: 2, StartedAt: testStart},
		{Key: likesUser, Duration: time.Minute, MaxCount: 1, CurrentCount: 1},
	})
	if restored != 1 {
		t.Fatalf("expected one window restored, got %d", restored)
	}
	user, _ := ledger.Window(createUser)
	if user.CurrentCount != 4 {
		t.Fatalf("expected restored count clamped to 4, got %d", user.CurrentCount)
	}
	app, _ := ledger.Window(createApp)
	if app.CurrentCount != 0 {
		t.Fatalf("expected changed window to stay fresh, got %d", app.CurrentCount)
	}
}

func TestParseScopeKey(t *testing.T) {
	key, err := ParseScopeKey("tweets.create@PER_APP")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key != createApp {
		t.Fatalf("unexpected key %+v", key)
	}
	if _, err := ParseScopeKey("tweets.create@PER_ORG"); err == nil {
		t.Fatal("expected unknown scope to fail")
	}
	if _, err := ParseScopeKey("tweets.create@per_app"); err == nil {
		t.Fatal("expected lower-case scope to fail")
	}
	if _, err := ParseScopeKey("tweets.create"); err == nil {
		t.Fatal("expected missing scope to fail")
	}
}
