package shell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/brhil/internal/expect"
)

// ErrWaitInProgress is returned when a second wait starts on a shell that is already waiting.
var ErrWaitInProgress = errors.New("another wait is in progress on this shell")

// AssertionError is a failed expectation. It carries the transcript so the
// failure can be diagnosed without re-running.
type AssertionError struct {
	Shell      string
	Command    string
	Expected   string
	Reason     expect.Reason
	Transcript expect.Transcript
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	if e.Command != "" {
		fmt.Fprintf(&b, "%s: %q: expected %s (%s)", e.Shell, e.Command, e.Expected, e.Reason)
	} else {
		fmt.Fprintf(&b, "%s: expected %s (%s)", e.Shell, e.Expected, e.Reason)
	}
	if len(e.Transcript) == 0 {
		b.WriteString("; no output")
		return b.String()
	}
	fmt.Fprintf(&b, "; transcript (%d lines):", len(e.Transcript))
	for _, line := range e.Transcript {
		b.WriteString("\n  | ")
		b.WriteString(line)
	}
	return b.String()
}
