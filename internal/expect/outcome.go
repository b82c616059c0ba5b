package expect

import (
	"fmt"
	"strings"
	"time"
)

// Transcript is the ordered list of lines observed during one wait.
type Transcript []string

// String joins the lines with newlines.
func (t Transcript) String() string {
	return strings.Join(t, "\n")
}

// Contains reports whether any line contains substr.
func (t Transcript) Contains(substr string) bool {
	return t.Index(substr) >= 0
}

// Index returns the index of the first line containing substr, or -1.
func (t Transcript) Index(substr string) int {
	for i, line := range t {
		if strings.Contains(line, substr) {
			return i
		}
	}
	return -1
}

// Count returns how many lines contain substr.
func (t Transcript) Count(substr string) int {
	n := 0
	for _, line := range t {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// Match returns the lines matched by p, in order.
func (t Transcript) Match(p Pattern) []string {
	var out []string
	for _, line := range t {
		if p.Match(line) {
			out = append(out, line)
		}
	}
	return out
}

// Reason says why a wait ended without error.
type Reason int

const (
	// ReasonMatched: the ALL/ANY policy held.
	ReasonMatched Reason = iota
	// ReasonTimedOut: the budget ran out before the policy held.
	ReasonTimedOut
	// ReasonAbsent: negated wait, the pattern never appeared.
	ReasonAbsent
	// ReasonPresent: negated wait, the pattern appeared at least once.
	ReasonPresent
	// ReasonNotFound: a fixed batch was checked without polling and the policy did not hold.
	ReasonNotFound
)

func (r Reason) String() string {
	switch r {
	case ReasonMatched:
		return "matched"
	case ReasonTimedOut:
		return "timed out"
	case ReasonAbsent:
		return "absent"
	case ReasonPresent:
		return "present"
	case ReasonNotFound:
		return "not found"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Outcome is the result of one wait.
type Outcome struct {
	// Found is true iff the set's policy held when the wait returned
	// (for negated sets: iff the pattern never matched).
	Found  bool
	Reason Reason

	Mode    Mode
	Negated bool

	Transcript   Transcript
	Expectations []Expectation

	// Unread holds lines that were drained in the same batch as the satisfying line but not
	// inspected. Callers that own the source should replay them before the next wait.
	Unread []string

	Polls   int
	Elapsed time.Duration
}

// Unsatisfied returns the patterns that never matched.
func (o *Outcome) Unsatisfied() []Pattern {
	var out []Pattern
	for _, e := range o.Expectations {
		if !e.Satisfied {
			out = append(out, e.Pattern)
		}
	}
	return out
}

// Satisfied returns the patterns that matched.
func (o *Outcome) Satisfied() []Pattern {
	var out []Pattern
	for _, e := range o.Expectations {
		if e.Satisfied {
			out = append(out, e.Pattern)
		}
	}
	return out
}

func (o *Outcome) String() string {
	return fmt.Sprintf("found=%t reason=%s lines=%d polls=%d elapsed=%s",
		o.Found, o.Reason, len(o.Transcript), o.Polls, o.Elapsed)
}
