package expect

import (
	"fmt"
	"strings"
)

// Mode is the combination policy of a Set.
type Mode int

const (
	// ModeAll is satisfied once every pattern has matched some line.
	ModeAll Mode = iota
	// ModeAny is satisfied by the first pattern that matches.
	ModeAny
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeAny:
		return "any"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps "all"/"any" (case-insensitive, empty means all) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return ModeAll, nil
	case "any":
		return ModeAny, nil
	default:
		return ModeAll, fmt.Errorf("%w: unknown mode %q (must be all or any)", ErrInvalidSet, s)
	}
}

// Set is an immutable, ordered description of what a wait is looking for.
// Per-wait match state lives in Outcome.Expectations, so one Set may be reused across waits.
type Set struct {
	mode     Mode
	negate   bool
	patterns []Pattern
}

// All builds a conjunctive set.
func All(patterns ...Pattern) *Set {
	return &Set{mode: ModeAll, patterns: patterns}
}

// Any builds a disjunctive set.
func Any(patterns ...Pattern) *Set {
	return &Set{mode: ModeAny, patterns: patterns}
}

// Not builds a negated single-pattern set: the wait succeeds only if p never matches
// during the whole budget.
func Not(p Pattern) *Set {
	return &Set{mode: ModeAll, negate: true, patterns: []Pattern{p}}
}

// NewSet builds a set with an explicit mode.
func NewSet(mode Mode, patterns ...Pattern) *Set {
	return &Set{mode: mode, patterns: patterns}
}

// Mode returns the combination policy.
func (s *Set) Mode() Mode { return s.mode }

// Negated reports whether this is a negated single-pattern set.
func (s *Set) Negated() bool { return s.negate }

// Patterns returns a copy of the patterns in declaration order.
func (s *Set) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Len returns the number of patterns.
func (s *Set) Len() int { return len(s.patterns) }

// Validate reports configuration errors. Wait calls it before the first poll.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil set", ErrInvalidSet)
	}
	if len(s.patterns) == 0 {
		return fmt.Errorf("%w: no patterns", ErrInvalidSet)
	}
	if s.mode != ModeAll && s.mode != ModeAny {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidSet, int(s.mode))
	}
	if s.negate && len(s.patterns) != 1 {
		return fmt.Errorf("%w: negated set must have exactly one pattern, got %d", ErrInvalidSet, len(s.patterns))
	}
	for i, p := range s.patterns {
		if p == nil {
			return fmt.Errorf("%w: pattern %d is nil", ErrInvalidSet, i)
		}
		if lit, ok := p.(literalPattern); ok && lit == "" {
			return fmt.Errorf("%w: pattern %d: %w: empty literal", ErrInvalidSet, i, ErrInvalidPattern)
		}
	}
	return nil
}

// String describes the set for logs and failure messages.
func (s *Set) String() string {
	if s == nil {
		return "<nil>"
	}
	descs := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		if p == nil {
			descs[i] = "<nil>"
			continue
		}
		descs[i] = p.String()
	}
	if s.negate {
		return "NOT(" + strings.Join(descs, ", ") + ")"
	}
	if len(descs) == 1 {
		return descs[0]
	}
	return s.mode.String() + " of: " + strings.Join(descs, ", ")
}

// Expectation is one pattern plus its match state within a single wait.
type Expectation struct {
	Pattern   Pattern
	Satisfied bool
	// MatchIndex is the transcript index of the first matching line, -1 while unsatisfied.
	MatchIndex int
}

func (s *Set) expectations() []Expectation {
	exps := make([]Expectation, len(s.patterns))
	for i, p := range s.patterns {
		exps[i] = Expectation{Pattern: p, MatchIndex: -1}
	}
	return exps
}

// satisfied evaluates the combination policy over exps.
func satisfied(mode Mode, exps []Expectation) bool {
	switch mode {
	case ModeAny:
		for _, e := range exps {
			if e.Satisfied {
				return true
			}
		}
		return false
	default:
		for _, e := range exps {
			if !e.Satisfied {
				return false
			}
		}
		return len(exps) > 0
	}
}
