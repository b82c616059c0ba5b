package scenario

import (
	"fmt"
	"time"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Index      int           `json:"index"`
	Name       string        `json:"name"`
	Board      string        `json:"board,omitempty"`
	Command    string        `json:"command,omitempty"`
	Expected   string        `json:"expected,omitempty"`
	Passed     bool          `json:"passed"`
	Reason     string        `json:"reason,omitempty"`
	Transcript []string      `json:"transcript,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Result is the outcome of one scenario.
type Result struct {
	Name       string        `json:"name"`
	Path       string        `json:"path,omitempty"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration"`
	Steps      []StepResult  `json:"steps"`
	Err        error         `json:"-"`
}

// Failed returns the failing step, if any.
func (r *Result) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if !s.Passed {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepError identifies the step a scenario stopped at.
type StepError struct {
	Scenario string
	Index    int
	Step     string
	Board    string
	Err      error
}

func (e *StepError) Error() string {
	if e.Board != "" {
		return fmt.Sprintf("scenario %q step %d (%s) on %s: %v", e.Scenario, e.Index, e.Step, e.Board, e.Err)
	}
	return fmt.Sprintf("scenario %q step %d (%s): %v", e.Scenario, e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
