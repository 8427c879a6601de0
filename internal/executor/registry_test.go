package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/policy"
)

type fakePlugin struct {
	key    string
	types  []string
	result Result
	err    error
	calls  int
}

func (f *fakePlugin) PluginKey() string {
	return f.key
}

func (f *fakePlugin) ActionTypes() []string {
	return f.types
}

func (f *fakePlugin) Execute(ctx context.Context, request Request) (Result, error) {
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return f.result, nil
}

func lookup(t *testing.T, name string) catalog.ActionSpec {
	t.Helper()
	loaded, err := policy.Default()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	actions, err := catalog.New(loaded)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	spec, ok := actions.Lookup(name)
	if !ok {
		t.Fatalf("missing action %s", name)
	}
	return spec
}

func TestRegistryExecutesPlugin(t *testing.T) {
	registry := NewRegistry(&fakePlugin{
		key:   "fake",
		types: []string{"Post"},
		result: Result{
			Message: "ok",
		},
	})
	result, err := registry.Execute(context.Background(), Request{Action: lookup(t, "post")})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Plugin != "fake" {
		t.Fatalf("expected plugin fake, got %s", result.Plugin)
	}
}

func TestRegistryReturnsNotFound(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Execute(context.Background(), Request{Action: lookup(t, "like")})
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if agenterr.Classify(err) != agenterr.KindRejected {
		t.Fatalf("expected missing plugin to classify as rejected, got %s", agenterr.Classify(err))
	}
}

func TestRegistryFallsBackForUnclaimedActions(t *testing.T) {
	claimed := &fakePlugin{key: "poster", types: []string{"post"}}
	fallback := &fakePlugin{key: "everything"}
	registry := NewRegistry(claimed).WithFallback(fallback)

	result, err := registry.Execute(context.Background(), Request{Action: lookup(t, "follow")})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Plugin != "everything" || fallback.calls != 1 || claimed.calls != 0 {
		t.Fatalf("expected fallback to serve follow, got %+v (claimed=%d fallback=%d)", result, claimed.calls, fallback.calls)
	}
}

func TestCheckTextEnforcesLimit(t *testing.T) {
	if err := CheckText(map[string]any{"text": strings.Repeat("é", MaxTextLength)}); err != nil {
		t.Fatalf("expected %d characters to pass, got %v", MaxTextLength, err)
	}
	err := CheckText(map[string]any{"text": strings.Repeat("a", MaxTextLength+1)})
	if !errors.Is(err, agenterr.ErrRejected) {
		t.Fatalf("expected rejection over the limit, got %v", err)
	}
	if err := CheckText(map[string]any{"text": 42}); !errors.Is(err, agenterr.ErrRejected) {
		t.Fatalf("expected non-string text to be rejected, got %v", err)
	}
	if err := CheckText(nil); err != nil {
		t.Fatalf("expected missing text to pass, got %v", err)
	}
}
