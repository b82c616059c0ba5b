package luascript

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrEmptyScript = errors.New("empty script")

// Error types reported by ScriptError.
const (
	TypeSyntax  = "syntax"
	TypeRuntime = "runtime"
	TypeAPI     = "api"
)

// ScriptError describes a failed script. Errors raised by brhil.* functions keep
// the Go error they came from in Underlying.
type ScriptError struct {
	Type       string
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *ScriptError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Underlying
}

// chunk position prefix as produced by luaL_where: `[string "..."]:12: message`
var positionRe = regexp.MustCompile(`(?s)^.*?:(\d+): (.*)$`)

func parseScriptError(errType, source, raw string) *ScriptError {
	e := &ScriptError{Type: errType, Message: strings.TrimSpace(raw), Source: source}
	if m := positionRe.FindStringSubmatch(raw); m != nil {
		if line, err := strconv.Atoi(m[1]); err == nil {
			e.Line = line
			e.Message = strings.TrimSpace(m[2])
		}
	}
	if e.Message == "" {
		e.Message = "unknown Lua error"
	}
	return e
}
