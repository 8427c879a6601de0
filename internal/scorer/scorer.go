package scorer

import (
	"sort"
	"time"

	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/ledger"
	"github.com/dwizi/needloop/internal/needs"
)

// Deficits is the read side of the need store the scorer depends on.
type Deficits interface {
	Deficit(kind needs.Kind) float64
}

// Windows is the read side of the ledger the scorer depends on.
type Windows interface {
	IsAdmissible(action ledger.Governed, now time.Time) bool
	Headroom(action ledger.Governed, now time.Time) int
}

type Candidate struct {
	Spec       catalog.ActionSpec
	Utility    float64
	Headroom   int
	Admissible bool
}

// Score is the sum over effects of deficit times effect, scaled by weight.
// A fully satisfied store scores every action zero.
func Score(spec catalog.ActionSpec, deficits Deficits) float64 {
	total := 0.0
	for _, kind := range needs.Kinds() {
		effect := spec.Effect(kind)
		if effect == 0 {
			continue
		}
		total += deficits.Deficit(kind) * effect
	}
	return total * spec.Weight()
}

// Rank scores every spec and orders them best first. Ties fall to category
// priority, then to more combined headroom, then to the action name, so the
// order is total and repeatable for identical inputs.
func Rank(specs []catalog.ActionSpec, deficits Deficits, windows Windows, now time.Time) []Candidate {
	candidates := make([]Candidate, 0, len(specs))
	for _, spec := range specs {
		candidate := Candidate{
			Spec:    spec,
			Utility: Score(spec, deficits),
		}
		if windows != nil {
			candidate.Headroom = windows.Headroom(spec, now)
			candidate.Admissible = windows.IsAdmissible(spec, now)
		}
		candidates = append(candidates, candidate)
	}
	sort.SliceStable(candidates, func(left, right int) bool {
		return less(candidates[left], candidates[right])
	})
	return candidates
}

func less(left, right Candidate) bool {
	if left.Utility != right.Utility {
		return left.Utility > right.Utility
	}
	leftPriority := left.Spec.Category().Priority()
	rightPriority := right.Spec.Category().Priority()
	if leftPriority != rightPriority {
		return leftPriority < rightPriority
	}
	if left.Headroom != right.Headroom {
		return left.Headroom > right.Headroom
	}
	return left.Spec.Name() < right.Spec.Name()
}
