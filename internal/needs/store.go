package needs

import (
	"fmt"
	"strings"
	"sync"
)

const (
	MinValue = 0.0
	MaxValue = 100.0
)

type Kind string

const (
	KindEngagement Kind = "engagement"
	KindReach      Kind = "reach"
	KindRelevance  Kind = "relevance"
	KindAuthority  Kind = "authority"
	KindConversion Kind = "conversion"
)

// Kinds returns every need kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindEngagement, KindReach, KindRelevance, KindAuthority, KindConversion}
}

func ParseKind(raw string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds() {
		if kind == known {
			return kind, true
		}
	}
	return "", false
}

type Need struct {
	Kind      Kind    `json:"kind"`
	Value     float64 `json:"value"`
	DecayRate float64 `json:"decay_rate"`
}

// Store holds one value per need kind. Values never leave [0,100].
type Store struct {
	mu    sync.Mutex
	needs map[Kind]*Need
}

// New builds a store from the configured needs. Every kind must appear once.
func New(initial []Need) (*Store, error) {
	store := &Store{needs: map[Kind]*Need{}}
	for _, need := range initial {
		if _, ok := ParseKind(string(need.Kind)); !ok {
			return nil, fmt.Errorf("unknown need kind %q", need.Kind)
		}
		if need.DecayRate <= 0 || need.DecayRate > 1 {
			return nil, fmt.Errorf("need %s: decay rate %v outside (0,1]", need.Kind, need.DecayRate)
		}
		if _, exists := store.needs[need.Kind]; exists {
			return nil, fmt.Errorf("need %s declared twice", need.Kind)
		}
		copied := need
		copied.Value = clamp(copied.Value)
		store.needs[need.Kind] = &copied
	}
	for _, kind := range Kinds() {
		if _, ok := store.needs[kind]; !ok {
			return nil, fmt.Errorf("need %s is not configured", kind)
		}
	}
	return store, nil
}

// DecayAll applies each need's multiplicative decay once.
func (s *Store) DecayAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, need := range s.needs {
		need.Value = clamp(need.Value * (1 - need.DecayRate))
	}
}

// Deficit is the distance below the ceiling; higher means more pressure.
func (s *Store) Deficit(kind Kind) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	need, ok := s.needs[kind]
	if !ok {
		return 0
	}
	return MaxValue - need.Value
}

func (s *Store) Value(kind Kind) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	need, ok := s.needs[kind]
	if !ok {
		return 0
	}
	return need.Value
}

// Credit raises a need after a confirmed action, capped at the ceiling.
func (s *Store) Credit(kind Kind, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("credit %s: negative amount %v", kind, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	need, ok := s.needs[kind]
	if !ok {
		return fmt.Errorf("credit: unknown need kind %q", kind)
	}
	need.Value = clamp(need.Value + amount)
	return nil
}

// CreditAll applies a set of effects under one lock so readers never see a
// half-credited action.
func (s *Store) CreditAll(effects map[Kind]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, amount := range effects {
		if amount < 0 {
			return fmt.Errorf("credit %s: negative amount %v", kind, amount)
		}
		if _, ok := s.needs[kind]; !ok {
			return fmt.Errorf("credit: unknown need kind %q", kind)
		}
	}
	for kind, amount := range effects {
		need := s.needs[kind]
		need.Value = clamp(need.Value + amount)
	}
	return nil
}

// Snapshot returns the needs in declaration order.
func (s *Store) Snapshot() []Need {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Need, 0, len(s.needs))
	for _, kind := range Kinds() {
		if need, ok := s.needs[kind]; ok {
			items = append(items, *need)
		}
	}
	return items
}

// Restore overwrites values from a checkpoint. Decay rates stay as configured;
// kinds the store does not know are ignored.
func (s *Store) Restore(saved []Need) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range saved {
		need, ok := s.needs[item.Kind]
		if !ok {
			continue
		}
		need.Value = clamp(item.Value)
	}
}

func clamp(value float64) float64 {
	if value != value || value < MinValue {
		return MinValue
	}
	if value > MaxValue {
		return MaxValue
	}
	return value
}
