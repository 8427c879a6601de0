package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/catalog"
)

// MaxTextLength is the platform's limit for post text, counted in characters.
const MaxTextLength = 280

var ErrPluginNotFound = errors.New("action plugin not found")

type Request struct {
	Action     catalog.ActionSpec
	Parameters map[string]any
	CycleID    string
}

// Result confirms an action fully succeeded. There is no partial success.
type Result struct {
	Plugin    string `json:"plugin"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

// Executor is the only boundary the decision loop depends on.
type Executor interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

type Plugin interface {
	PluginKey() string
	ActionTypes() []string
	Execute(ctx context.Context, request Request) (Result, error)
}

// Registry routes requests to plugins by action name. A fallback plugin, when
// set, serves every action no plugin claims.
type Registry struct {
	plugins  map[string]Plugin
	fallback Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	indexed := map[string]Plugin{}
	for _, plugin := range plugins {
		if plugin == nil {
			continue
		}
		for _, actionType := range plugin.ActionTypes() {
			key := normalizeActionType(actionType)
			if key == "" {
				continue
			}
			indexed[key] = plugin
		}
	}
	return &Registry{
		plugins: indexed,
	}
}

func (r *Registry) WithFallback(plugin Plugin) *Registry {
	r.fallback = plugin
	return r
}

func (r *Registry) Execute(ctx context.Context, request Request) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("%w: %w: no registry configured", agenterr.ErrRejected, ErrPluginNotFound)
	}
	actionType := normalizeActionType(request.Action.Name())
	if actionType == "" {
		return Result{}, fmt.Errorf("%w: %w: empty action name", agenterr.ErrRejected, ErrPluginNotFound)
	}
	plugin, ok := r.plugins[actionType]
	if !ok {
		plugin = r.fallback
	}
	if plugin == nil {
		return Result{}, fmt.Errorf("%w: %w: %s", agenterr.ErrRejected, ErrPluginNotFound, actionType)
	}
	result, err := plugin.Execute(ctx, request)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(result.Plugin) == "" {
		result.Plugin = plugin.PluginKey()
	}
	return result, nil
}

// CheckText rejects a "text" parameter longer than the platform allows.
func CheckText(parameters map[string]any) error {
	raw, ok := parameters["text"]
	if !ok || raw == nil {
		return nil
	}
	text, ok := raw.(string)
	if !ok {
		return fmt.Errorf("%w: text parameter must be a string", agenterr.ErrRejected)
	}
	if count := utf8.RuneCountInString(text); count > MaxTextLength {
		return fmt.Errorf("%w: text is %d characters, limit is %d", agenterr.ErrRejected, count, MaxTextLength)
	}
	return nil
}

func normalizeActionType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
