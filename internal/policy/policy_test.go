package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
)

const minimalNeeds = `
needs:
  engagement: {decay: 0.5}
  reach: {decay: 0.3}
  relevance: {decay: 0.2}
  authority: {decay: 0.1}
  conversion: {decay: 0.4, initial: 60}
`

const minimalActions = `
actions:
  - {name: post, category: content, operation: tweets.create, weight: 1, effects: {engagement: 15}}
`

func TestDefaultPolicyLoads(t *testing.T) {
	loaded, err := Default()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if len(loaded.Needs) != len(needs.Kinds()) {
		t.Fatalf("expected %d needs, got %d", len(needs.Kinds()), len(loaded.Needs))
	}
	if loaded.Needs[0].Kind != needs.KindEngagement || loaded.Needs[0].DecayRate != 0.5 || loaded.Needs[0].Value != 100 {
		t.Fatalf("unexpected engagement need: %+v", loaded.Needs[0])
	}
	create, ok := loaded.Operation("tweets.create")
	if !ok {
		t.Fatal("expected tweets.create operation")
	}
	if create.Primary.Duration != 15*time.Minute || create.Primary.MaxCount != 100 {
		t.Fatalf("unexpected primary window: %+v", create.Primary)
	}
	if create.Additional == nil || create.Additional.Key.Scope != ledger.ScopePerApp || create.Additional.Duration != 24*time.Hour {
		t.Fatalf("unexpected app window: %+v", create.Additional)
	}
	likes, _ := loaded.Operation("users.likes")
	if likes.Additional == nil || likes.Additional.Duration != 24*time.Hour {
		t.Fatalf("expected spelled-out day period, got %+v", likes.Additional)
	}
	if len(loaded.Actions) != 6 {
		t.Fatalf("expected 6 default actions, got %d", len(loaded.Actions))
	}
}

func TestParseRejectsUnknownScope(t *testing.T) {
	doc := minimalNeeds + `
rate_limits:
  tweets:
    create: {rate: 5, period: 15m, scope: PER_ORG}
` + minimalActions
	_, err := Parse([]byte(doc))
	if !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "PER_ORG") {
		t.Fatalf("expected scope named in error, got %v", err)
	}
}

func TestParseRequiresRateAndPeriod(t *testing.T) {
	doc := minimalNeeds + `
rate_limits:
  tweets:
    create: {scope: PER_USER}
    delete: {rate: 3, scope: PER_USER}
` + minimalActions
	_, err := Parse([]byte(doc))
	if !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	for _, fragment := range []string{"tweets.create: rate is required", "tweets.delete: period is required"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestParseRejectsRepeatedScopeInAdditionalLimit(t *testing.T) {
	doc := minimalNeeds + `
rate_limits:
  tweets:
    create:
      rate: 5
      period: 15m
      scope: PER_USER
      additional_app_limit: {rate: 50, period: 24h, scope: PER_USER}
` + minimalActions
	if _, err := Parse([]byte(doc)); err == nil || !strings.Contains(err.Error(), "repeats the primary scope") {
		t.Fatalf("expected repeated scope error, got %v", err)
	}
}

func TestParseRejectsUnknownFieldsAndBadNeeds(t *testing.T) {
	unknownField := minimalNeeds + `
rate_limits:
  tweets:
    create: {rate: 5, period: 15m, scope: PER_USER, burst: 3}
` + minimalActions
	if _, err := Parse([]byte(unknownField)); !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected unknown field to fail, got %v", err)
	}

	badDecay := strings.Replace(minimalNeeds, "decay: 0.5", "decay: 1.5", 1) + `
rate_limits:
  tweets:
    create: {rate: 5, period: 15m, scope: PER_USER}
` + minimalActions
	if _, err := Parse([]byte(badDecay)); err == nil || !strings.Contains(err.Error(), "needs.engagement.decay") {
		t.Fatalf("expected decay error, got %v", err)
	}

	if _, err := Parse([]byte("")); !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected empty document to fail, got %v", err)
	}
}

func TestParseKeepsInitialValues(t *testing.T) {
	doc := minimalNeeds + `
rate_limits:
  tweets:
    create: {rate: 5, period: 15m, scope: PER_USER, attributes: {note: anything goes}}
` + minimalActions
	loaded, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if loaded.Needs[4].Kind != needs.KindConversion || loaded.Needs[4].Value != 60 {
		t.Fatalf("unexpected conversion need: %+v", loaded.Needs[4])
	}
	create, _ := loaded.Operation("tweets.create")
	if create.Primary.Key.Scope != ledger.ScopePerUser {
		t.Fatalf("expected per-user scope, got %s", create.Primary.Key.Scope)
	}
	if create.Attributes["note"] != "anything goes" {
		t.Fatalf("expected attributes kept, got %+v", create.Attributes)
	}
}

func TestParseRejectsLowerCaseScope(t *testing.T) {
	doc := minimalNeeds + `
rate_limits:
  tweets:
    create: {rate: 5, period: 15m, scope: per_user}
` + minimalActions
	if _, err := Parse([]byte(doc)); !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected lower-case scope to fail, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, DefaultDocument(), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Limits()) != 9 {
		t.Fatalf("expected 9 windows, got %d", len(loaded.Limits()))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected missing file to be a config error, got %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"15m":        15 * time.Minute,
		"24h":        24 * time.Hour,
		"15 minutes": 15 * time.Minute,
		"1 day":      24 * time.Hour,
		"3 hours":    3 * time.Hour,
		"90s":        90 * time.Second,
		"2d":         48 * time.Hour,
	}
	for raw, want := range cases {
		got, err := ParseDuration(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}
	for _, raw := range []string{"", "soon", "0m", "-5m", "3 fortnights"} {
		if _, err := ParseDuration(raw); err == nil {
			t.Fatalf("expected %q to fail", raw)
		}
	}
}
