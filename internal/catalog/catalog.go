package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
	"github.com/dwizi/needloop/internal/policy"
)

type Category string

const (
	CategoryContent    Category = "content"
	CategoryEngagement Category = "engagement"
	CategoryAnalysis   Category = "analysis"
)

// Priority ranks categories for tie-breaking; lower runs first.
func (c Category) Priority() int {
	switch c {
	case CategoryContent:
		return 0
	case CategoryEngagement:
		return 1
	case CategoryAnalysis:
		return 2
	default:
		return math.MaxInt
	}
}

func ParseCategory(raw string) (Category, bool) {
	category := Category(strings.ToLower(strings.TrimSpace(raw)))
	switch category {
	case CategoryContent, CategoryEngagement, CategoryAnalysis:
		return category, true
	default:
		return "", false
	}
}

// ActionSpec describes one catalogued action. It is immutable once built:
// accessors hand out copies.
type ActionSpec struct {
	name       string
	category   Category
	operation  string
	weight     float64
	effects    map[needs.Kind]float64
	windows    []ledger.ScopeKey
	parameters map[string]any
}

func (s ActionSpec) Name() string       { return s.name }
func (s ActionSpec) Category() Category { return s.category }
func (s ActionSpec) Operation() string  { return s.operation }
func (s ActionSpec) Weight() float64    { return s.weight }

// Effects returns a copy of the need credits applied on success.
func (s ActionSpec) Effects() map[needs.Kind]float64 {
	copied := make(map[needs.Kind]float64, len(s.effects))
	for kind, amount := range s.effects {
		copied[kind] = amount
	}
	return copied
}

// Effect returns the credit for one need kind, zero when the action has none.
func (s ActionSpec) Effect(kind needs.Kind) float64 {
	return s.effects[kind]
}

// GoverningWindows lists the windows every execution consumes, primary first.
func (s ActionSpec) GoverningWindows() []ledger.ScopeKey {
	return append([]ledger.ScopeKey(nil), s.windows...)
}

func (s ActionSpec) Parameters() map[string]any {
	copied := make(map[string]any, len(s.parameters))
	for key, value := range s.parameters {
		copied[key] = value
	}
	return copied
}

func (s ActionSpec) IsZero() bool {
	return s.name == ""
}

// Catalog is the fixed set of actions the loop may choose from.
type Catalog struct {
	specs []ActionSpec
	index map[string]int
}

// New binds the policy's actions to its rate-limited operations. Every problem
// found is reported in one error wrapping agenterr.ErrConfig.
func New(p policy.Policy) (*Catalog, error) {
	catalog := &Catalog{index: map[string]int{}}
	var problems []string
	for position, cfg := range p.Actions {
		spec, specProblems := build(p, cfg)
		label := fmt.Sprintf("actions[%d]", position)
		if strings.TrimSpace(cfg.Name) != "" {
			label = "actions." + strings.TrimSpace(cfg.Name)
		}
		for _, problem := range specProblems {
			problems = append(problems, label+": "+problem)
		}
		if len(specProblems) > 0 {
			continue
		}
		if _, exists := catalog.index[spec.name]; exists {
			problems = append(problems, label+": duplicate action name")
			continue
		}
		catalog.index[spec.name] = len(catalog.specs)
		catalog.specs = append(catalog.specs, spec)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", agenterr.ErrConfig, strings.Join(problems, "; "))
	}
	if len(catalog.specs) == 0 {
		return nil, fmt.Errorf("%w: catalog has no actions", agenterr.ErrConfig)
	}
	return catalog, nil
}

func build(p policy.Policy, cfg policy.ActionConfig) (ActionSpec, []string) {
	var problems []string
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		problems = append(problems, "name is required")
	}
	category, ok := ParseCategory(cfg.Category)
	if !ok {
		problems = append(problems, fmt.Sprintf("unknown category %q", cfg.Category))
	}
	operation, ok := p.Operation(strings.TrimSpace(cfg.Operation))
	if !ok {
		problems = append(problems, fmt.Sprintf("unknown operation %q", cfg.Operation))
	}
	if cfg.Weight <= 0 || math.IsNaN(cfg.Weight) || math.IsInf(cfg.Weight, 0) {
		problems = append(problems, fmt.Sprintf("weight %v must be positive", cfg.Weight))
	}
	if len(cfg.Effects) == 0 {
		problems = append(problems, "effects must not be empty")
	}
	effects := make(map[needs.Kind]float64, len(cfg.Effects))
	rawKinds := make([]string, 0, len(cfg.Effects))
	for raw := range cfg.Effects {
		rawKinds = append(rawKinds, raw)
	}
	sort.Strings(rawKinds)
	for _, raw := range rawKinds {
		amount := cfg.Effects[raw]
		kind, ok := needs.ParseKind(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown need kind %q", raw))
			continue
		}
		if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
			problems = append(problems, fmt.Sprintf("effect %s: %v must be positive", kind, amount))
			continue
		}
		effects[kind] = amount
	}
	if len(problems) > 0 {
		return ActionSpec{}, problems
	}
	parameters := make(map[string]any, len(cfg.Parameters))
	for key, value := range cfg.Parameters {
		parameters[key] = value
	}
	return ActionSpec{
		name:       name,
		category:   category,
		operation:  operation.Name,
		weight:     cfg.Weight,
		effects:    effects,
		windows:    operation.Windows(),
		parameters: parameters,
	}, nil
}

// Specs returns the actions in declaration order.
func (c *Catalog) Specs() []ActionSpec {
	return append([]ActionSpec(nil), c.specs...)
}

func (c *Catalog) Lookup(name string) (ActionSpec, bool) {
	position, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ActionSpec{}, false
	}
	return c.specs[position], true
}

func (c *Catalog) Len() int {
	return len(c.specs)
}
