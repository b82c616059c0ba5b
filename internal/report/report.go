// Package report renders scenario results as a JSON document for CI.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/srg/brhil/internal/scenario"
)

// Summary counts scenarios by outcome.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Step is one step of a scenario in the report.
type Step struct {
	Index      int      `json:"index"`
	Name       string   `json:"name"`
	Board      string   `json:"board,omitempty"`
	Command    string   `json:"command,omitempty"`
	Expected   string   `json:"expected,omitempty"`
	Passed     bool     `json:"passed"`
	Reason     string   `json:"reason,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Transcript []string `json:"transcript,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Scenario is one scenario in the report.
type Scenario struct {
	Name       string `json:"name"`
	Path       string `json:"path,omitempty"`
	Passed     bool   `json:"passed"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Steps      []Step `json:"steps"`
}

// Report is the document written by `brhil run --report`.
type Report struct {
	Started    time.Time  `json:"started"`
	DurationMs int64      `json:"duration_ms"`
	Passed     bool       `json:"passed"`
	Summary    Summary    `json:"summary"`
	Scenarios  []Scenario `json:"scenarios"`
}

// New builds a report. A run passes when no scenario failed; skipped ones do not count against it.
func New(started time.Time, elapsed time.Duration, results []*scenario.Result) *Report {
	r := &Report{
		Started:    started.UTC(),
		DurationMs: elapsed.Milliseconds(),
		Scenarios:  make([]Scenario, 0, len(results)),
	}
	for _, res := range results {
		sc := Scenario{
			Name:       res.Name,
			Path:       res.Path,
			Passed:     res.Passed,
			Skipped:    res.Skipped,
			SkipReason: res.SkipReason,
			DurationMs: res.Duration.Milliseconds(),
			Error:      errString(res.Err),
			Steps:      make([]Step, 0, len(res.Steps)),
		}
		for _, st := range res.Steps {
			sc.Steps = append(sc.Steps, Step{
				Index:      st.Index,
				Name:       st.Name,
				Board:      st.Board,
				Command:    st.Command,
				Expected:   st.Expected,
				Passed:     st.Passed,
				Reason:     st.Reason,
				DurationMs: st.Duration.Milliseconds(),
				Transcript: st.Transcript,
				Error:      errString(st.Err),
			})
		}
		r.Scenarios = append(r.Scenarios, sc)

		r.Summary.Total++
		switch {
		case res.Skipped:
			r.Summary.Skipped++
		case res.Passed:
			r.Summary.Passed++
		default:
			r.Summary.Failed++
		}
	}
	r.Passed = r.Summary.Failed == 0
	return r
}

// Write encodes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// WriteFile writes the report to path, replacing any existing file.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := r.Write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return f.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
