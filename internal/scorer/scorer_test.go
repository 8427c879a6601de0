package scorer

import (
	"reflect"
	"testing"
	"time"

	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
	"github.com/dwizi/needloop/internal/policy"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDeficits map[needs.Kind]float64

func (f fakeDeficits) Deficit(kind needs.Kind) float64 {
	return f[kind]
}

const tiePolicy = `
needs:
  engagement: {decay: 0.5}
  reach: {decay: 0.3}
  relevance: {decay: 0.2}
  authority: {decay: 0.1}
  conversion: {decay: 0.4}
rate_limits:
  tweets:
    create: {rate: 100, period: 15m, scope: PER_USER}
  users:
    likes: {rate: 1, period: 15m, scope: PER_USER}
actions:
  - {name: alpha, category: engagement, operation: users.likes, weight: 1, effects: {reach: 10}}
  - {name: gamma, category: engagement, operation: tweets.create, weight: 1, effects: {reach: 10}}
  - {name: beta, category: content, operation: tweets.create, weight: 1, effects: {reach: 10}}
  - {name: delta, category: engagement, operation: tweets.create, weight: 1, effects: {reach: 10}}
`

func buildCatalog(t *testing.T, document string) (*catalog.Catalog, *ledger.Ledger) {
	t.Helper()
	var (
		loaded policy.Policy
		err    error
	)
	if document == "" {
		loaded, err = policy.Default()
	} else {
		loaded, err = policy.Parse([]byte(document))
	}
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	actions, err := catalog.New(loaded)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	book, err := ledger.New(loaded.Limits(), testNow)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return actions, book
}

func TestScoreWeighsDeficitsByEffect(t *testing.T) {
	actions, _ := buildCatalog(t, "")
	post, _ := actions.Lookup("post")
	deficits := fakeDeficits{needs.KindEngagement: 50, needs.KindRelevance: 20, needs.KindAuthority: 90}
	if got := Score(post, deficits); got != 850 {
		t.Fatalf("expected 15*50 + 10*0 + 5*20 = 850, got %v", got)
	}
	search, _ := actions.Lookup("search")
	if got := Score(search, deficits); got != 40 {
		t.Fatalf("expected weighted search score 0.5*4*20 = 40, got %v", got)
	}
}

func TestSatisfiedNeedsScoreZero(t *testing.T) {
	actions, book := buildCatalog(t, "")
	for _, candidate := range Rank(actions.Specs(), fakeDeficits{}, book, testNow) {
		if candidate.Utility != 0 {
			t.Fatalf("expected zero utility for %s, got %v", candidate.Spec.Name(), candidate.Utility)
		}
	}
}

func TestRankBreaksTiesByCategoryHeadroomThenName(t *testing.T) {
	actions, book := buildCatalog(t, tiePolicy)
	ranked := Rank(actions.Specs(), fakeDeficits{needs.KindReach: 40}, book, testNow)
	names := []string{}
	for _, candidate := range ranked {
		names = append(names, candidate.Spec.Name())
	}
	want := []string{"beta", "delta", "gamma", "alpha"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	if ranked[3].Headroom != 1 || !ranked[3].Admissible {
		t.Fatalf("unexpected alpha candidate: %+v", ranked[3])
	}
}

func TestRankFollowsDeficitsAndIsDeterministic(t *testing.T) {
	actions, book := buildCatalog(t, "")
	deficits := fakeDeficits{needs.KindAuthority: 80, needs.KindReach: 10}
	first := Rank(actions.Specs(), deficits, book, testNow)
	if first[0].Spec.Name() != "follow" {
		t.Fatalf("expected follow to lead on reach and authority pressure, got %s", first[0].Spec.Name())
	}
	for attempt := 0; attempt < 20; attempt++ {
		again := Rank(actions.Specs(), deficits, book, testNow)
		for index := range first {
			if again[index].Spec.Name() != first[index].Spec.Name() {
				t.Fatalf("attempt %d: order changed at %d: %s vs %s", attempt, index, again[index].Spec.Name(), first[index].Spec.Name())
			}
		}
	}
}

func TestRankMarksExhaustedCandidates(t *testing.T) {
	actions, book := buildCatalog(t, tiePolicy)
	alpha, _ := actions.Lookup("alpha")
	if err := book.Record(alpha, testNow); err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, candidate := range Rank(actions.Specs(), fakeDeficits{needs.KindReach: 1}, book, testNow) {
		if candidate.Spec.Name() == "alpha" && (candidate.Admissible || candidate.Headroom != 0) {
			t.Fatalf("expected alpha exhausted, got %+v", candidate)
		}
	}
}
