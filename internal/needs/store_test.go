package needs

import (
	"math"
	"testing"
)

func defaultNeeds(value float64) []Need {
	rates := map[Kind]float64{
		KindEngagement: 0.5,
		KindReach:      0.3,
		KindRelevance:  0.2,
		KindAuthority:  0.1,
		KindConversion: 0.4,
	}
	items := make([]Need, 0, len(rates))
	for _, kind := range Kinds() {
		items = append(items, Need{Kind: kind, Value: value, DecayRate: rates[kind]})
	}
	return items
}

func newTestStore(t *testing.T, value float64) *Store {
	t.Helper()
	store, err := New(defaultNeeds(value))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestDecayAllHalvesEngagement(t *testing.T) {
	store := newTestStore(t, 100)
	store.Restore([]Need{{Kind: KindEngagement, Value: 80}})

	store.DecayAll()

	if got := store.Value(KindEngagement); math.Abs(got-40) > 1e-9 {
		t.Fatalf("expected engagement 40 after one decay, got %v", got)
	}
	if got := store.Deficit(KindEngagement); math.Abs(got-60) > 1e-9 {
		t.Fatalf("expected deficit 60, got %v", got)
	}
}

func TestValuesStayInBoundsUnderRepeatedDecay(t *testing.T) {
	store := newTestStore(t, 100)
	for cycle := 0; cycle < 500; cycle++ {
		store.DecayAll()
		if cycle%7 == 0 {
			if err := store.Credit(KindReach, 35); err != nil {
				t.Fatalf("credit: %v", err)
			}
		}
		for _, need := range store.Snapshot() {
			if need.Value < MinValue || need.Value > MaxValue {
				t.Fatalf("cycle %d: %s out of bounds: %v", cycle, need.Kind, need.Value)
			}
		}
	}
}

func TestCreditClampsToCeiling(t *testing.T) {
	store := newTestStore(t, 90)
	if err := store.Credit(KindAuthority, 25); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := store.Value(KindAuthority); got != MaxValue {
		t.Fatalf("expected clamp at %v, got %v", MaxValue, got)
	}
	if err := store.Credit(KindAuthority, -1); err == nil {
		t.Fatal("expected negative credit to fail")
	}
}

func TestCreditAllIsAllOrNothing(t *testing.T) {
	store := newTestStore(t, 10)
	err := store.CreditAll(map[Kind]float64{KindEngagement: 5, Kind("karma"): 3})
	if err == nil {
		t.Fatal("expected unknown kind to fail")
	}
	if got := store.Value(KindEngagement); got != 10 {
		t.Fatalf("expected engagement untouched, got %v", got)
	}
	if err := store.CreditAll(map[Kind]float64{KindEngagement: 5, KindReach: 2}); err != nil {
		t.Fatalf("credit all: %v", err)
	}
	if store.Value(KindEngagement) != 15 || store.Value(KindReach) != 12 {
		t.Fatalf("unexpected values: %+v", store.Snapshot())
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	missing := defaultNeeds(100)[:4]
	if _, err := New(missing); err == nil {
		t.Fatal("expected missing kind to fail")
	}
	badRate := defaultNeeds(100)
	badRate[0].DecayRate = 0
	if _, err := New(badRate); err == nil {
		t.Fatal("expected zero decay rate to fail")
	}
	unknown := append(defaultNeeds(100), Need{Kind: "karma", DecayRate: 0.1})
	if _, err := New(unknown); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestRestoreClampsAndIgnoresUnknownKinds(t *testing.T) {
	store := newTestStore(t, 50)
	store.Restore([]Need{
		{Kind: KindReach, Value: 140},
		{Kind: KindRelevance, Value: -3},
		{Kind: "karma", Value: 10},
	})
	if store.Value(KindReach) != MaxValue {
		t.Fatalf("expected reach clamped, got %v", store.Value(KindReach))
	}
	if store.Value(KindRelevance) != MinValue {
		t.Fatalf("expected relevance clamped, got %v", store.Value(KindRelevance))
	}
	if len(store.Snapshot()) != len(Kinds()) {
		t.Fatalf("unexpected snapshot size %d", len(store.Snapshot()))
	}
}
