package policy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
)

//go:embed default.yaml
var defaultDocument []byte

// Document mirrors the policy file as written.
type Document struct {
	Needs      map[string]NeedConfig                 `yaml:"needs"`
	RateLimits map[string]map[string]RateLimitConfig `yaml:"rate_limits"`
	Actions    []ActionConfig                        `yaml:"actions"`
}

type NeedConfig struct {
	Decay   float64  `yaml:"decay"`
	Initial *float64 `yaml:"initial"`
}

type LimitConfig struct {
	Rate   int    `yaml:"rate"`
	Period string `yaml:"period"`
	Scope  string `yaml:"scope"`
}

type RateLimitConfig struct {
	Rate               int            `yaml:"rate"`
	Period             string         `yaml:"period"`
	Scope              string         `yaml:"scope"`
	AdditionalAppLimit *LimitConfig   `yaml:"additional_app_limit"`
	Attributes         map[string]any `yaml:"attributes"`
}

type ActionConfig struct {
	Name       string             `yaml:"name"`
	Category   string             `yaml:"category"`
	Operation  string             `yaml:"operation"`
	Weight     float64            `yaml:"weight"`
	Effects    map[string]float64 `yaml:"effects"`
	Parameters map[string]any     `yaml:"parameters"`
}

// Operation is one validated rate-limited endpoint with its windows.
type Operation struct {
	Name       string
	Category   string
	Primary    ledger.Limit
	Additional *ledger.Limit
	Attributes map[string]any
}

// Windows lists the operation's window keys, primary first.
func (o Operation) Windows() []ledger.ScopeKey {
	keys := []ledger.ScopeKey{o.Primary.Key}
	if o.Additional != nil {
		keys = append(keys, o.Additional.Key)
	}
	return keys
}

// Policy is the validated, immutable form of a Document.
type Policy struct {
	Needs      []needs.Need
	Operations []Operation
	Actions    []ActionConfig
}

func (p Policy) Operation(name string) (Operation, bool) {
	for _, operation := range p.Operations {
		if operation.Name == name {
			return operation, true
		}
	}
	return Operation{}, false
}

// Limits flattens every operation into ledger windows.
func (p Policy) Limits() []ledger.Limit {
	limits := make([]ledger.Limit, 0, len(p.Operations)*2)
	for _, operation := range p.Operations {
		limits = append(limits, operation.Primary)
		if operation.Additional != nil {
			limits = append(limits, *operation.Additional)
		}
	}
	return limits
}

// Default returns the embedded policy.
func Default() (Policy, error) {
	return Parse(defaultDocument)
}

// DefaultDocument returns the embedded policy file contents.
func DefaultDocument() []byte {
	return append([]byte(nil), defaultDocument...)
}

// Load reads a policy file; an empty path selects the embedded default.
func Load(path string) (Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: read policy file: %v", agenterr.ErrConfig, err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document. Unknown fields are rejected.
func Parse(data []byte) (Policy, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Policy{}, fmt.Errorf("%w: policy document is empty", agenterr.ErrConfig)
		}
		return Policy{}, fmt.Errorf("%w: parse policy: %v", agenterr.ErrConfig, err)
	}
	return doc.Validate()
}

// Validate converts the document into a Policy, reporting every problem found.
func (d Document) Validate() (Policy, error) {
	var problems []string
	result := Policy{}

	for _, kind := range needs.Kinds() {
		cfg, ok := d.Needs[string(kind)]
		if !ok {
			problems = append(problems, fmt.Sprintf("needs.%s: missing", kind))
			continue
		}
		if cfg.Decay <= 0 || cfg.Decay > 1 {
			problems = append(problems, fmt.Sprintf("needs.%s.decay: %v outside (0,1]", kind, cfg.Decay))
		}
		initial := needs.MaxValue
		if cfg.Initial != nil {
			initial = *cfg.Initial
			if initial < needs.MinValue || initial > needs.MaxValue {
				problems = append(problems, fmt.Sprintf("needs.%s.initial: %v outside [0,100]", kind, initial))
			}
		}
		result.Needs = append(result.Needs, needs.Need{Kind: kind, Value: initial, DecayRate: cfg.Decay})
	}
	for name := range d.Needs {
		if _, ok := needs.ParseKind(name); !ok {
			problems = append(problems, fmt.Sprintf("needs.%s: unknown need kind", name))
		}
	}

	categories := make([]string, 0, len(d.RateLimits))
	for category := range d.RateLimits {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		operations := d.RateLimits[category]
		names := make([]string, 0, len(operations))
		for name := range operations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			operation, opProblems := validateOperation(category, name, operations[name])
			problems = append(problems, opProblems...)
			if len(opProblems) == 0 {
				result.Operations = append(result.Operations, operation)
			}
		}
	}
	if len(d.RateLimits) == 0 {
		problems = append(problems, "rate_limits: at least one operation is required")
	}
	if len(d.Actions) == 0 {
		problems = append(problems, "actions: at least one action is required")
	}
	result.Actions = append(result.Actions, d.Actions...)

	if len(problems) > 0 {
		return Policy{}, fmt.Errorf("%w: %s", agenterr.ErrConfig, strings.Join(problems, "; "))
	}
	return result, nil
}

func validateOperation(category, name string, cfg RateLimitConfig) (Operation, []string) {
	path := "rate_limits." + category + "." + name
	fullName := strings.TrimSpace(category) + "." + strings.TrimSpace(name)
	var problems []string

	primary, err := buildLimit(fullName, LimitConfig{Rate: cfg.Rate, Period: cfg.Period, Scope: cfg.Scope})
	if err != nil {
		problems = append(problems, path+": "+err.Error())
	}
	operation := Operation{
		Name:       fullName,
		Category:   category,
		Primary:    primary,
		Attributes: cfg.Attributes,
	}
	if cfg.AdditionalAppLimit != nil {
		additional, err := buildLimit(fullName, *cfg.AdditionalAppLimit)
		switch {
		case err != nil:
			problems = append(problems, path+".additional_app_limit: "+err.Error())
		case additional.Key == primary.Key:
			problems = append(problems, path+".additional_app_limit: repeats the primary scope "+string(primary.Key.Scope))
		default:
			operation.Additional = &additional
		}
	}
	return operation, problems
}

func buildLimit(operation string, cfg LimitConfig) (ledger.Limit, error) {
	if cfg.Rate <= 0 {
		return ledger.Limit{}, fmt.Errorf("rate is required and must be positive")
	}
	if strings.TrimSpace(cfg.Period) == "" {
		return ledger.Limit{}, fmt.Errorf("period is required")
	}
	period, err := ParseDuration(cfg.Period)
	if err != nil {
		return ledger.Limit{}, err
	}
	scope, err := ledger.ParseScope(cfg.Scope)
	if err != nil {
		return ledger.Limit{}, err
	}
	return ledger.Limit{
		Key:      ledger.ScopeKey{Operation: operation, Scope: scope},
		Duration: period,
		MaxCount: cfg.Rate,
	}, nil
}

var wordDuration = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]+)$`)

// ParseDuration accepts Go durations ("15m", "24h") and spelled-out forms
// ("15 minutes", "1 day").
func ParseDuration(raw string) (time.Duration, error) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if parsed, err := time.ParseDuration(text); err == nil {
		if parsed <= 0 {
			return 0, fmt.Errorf("period %q must be positive", raw)
		}
		return parsed, nil
	}
	match := wordDuration.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("invalid period %q", raw)
	}
	amount, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q", raw)
	}
	var unit time.Duration
	switch match[2] {
	case "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "hr", "hrs", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid period unit in %q", raw)
	}
	period := time.Duration(amount * float64(unit))
	if period <= 0 {
		return 0, fmt.Errorf("period %q must be positive", raw)
	}
	return period, nil
}
