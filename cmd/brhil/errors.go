package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/console"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/luascript"
	"github.com/srg/brhil/internal/peer"
	"github.com/srg/brhil/internal/scenario"
	"github.com/srg/brhil/internal/shell"
	"github.com/srg/brhil/pkg/config"
)

// ErrScenariosFailed is returned by run when at least one scenario failed.
// The per-scenario summary has already been printed.
var ErrScenariosFailed = errors.New("scenarios failed")

// FormatUserError turns an error chain into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	var (
		assertErr *shell.AssertionError
		scriptErr *luascript.ScriptError
		stepErr   *scenario.StepError
	)
	switch {
	case errors.As(err, &assertErr) && assertErr.Command == "":
		return fmt.Sprintf("%s: expected %s (%s)", assertErr.Shell, assertErr.Expected, assertErr.Reason)
	case errors.As(err, &assertErr):
		return fmt.Sprintf("%s: %q did not produce %s (%s)", assertErr.Shell, assertErr.Command, assertErr.Expected, assertErr.Reason)
	case errors.As(err, &scriptErr) && scriptErr.Underlying == nil:
		return scriptErr.Error()
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("configuration problem: %v", err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Sprintf("file not found: %v", err)
	case errors.Is(err, bench.ErrUnknownBoard):
		return fmt.Sprintf("%v (check the boards section of the config)", err)
	case errors.Is(err, bench.ErrNoPeer):
		return "this needs the simulated peer: set peer.enabled in the config"
	case errors.Is(err, peer.ErrNotDiscovered):
		return fmt.Sprintf("%v (is the DUT discoverable? raise peer.discovery_timeout if it is slow to answer)", err)
	case errors.Is(err, peer.ErrUnsupported):
		return fmt.Sprintf("peer operation not available on this platform: %v", err)
	case errors.Is(err, console.ErrDisconnected), errors.Is(err, console.ErrClosed):
		return fmt.Sprintf("board console went away: %v", err)
	case errors.Is(err, expect.ErrTransport):
		return fmt.Sprintf("console failure: %v", err)
	case errors.Is(err, expect.ErrInvalidPattern), errors.Is(err, expect.ErrInvalidSet):
		return fmt.Sprintf("bad expectation: %v", err)
	case errors.As(err, &stepErr):
		return stepErr.Error()
	}
	return err.Error()
}
