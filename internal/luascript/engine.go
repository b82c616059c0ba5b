// Package luascript runs inline Lua against a bench. Scripts see a global
// brhil table for talking to boards and an arg table with the scenario variables.
package luascript

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/brhil/internal/bench"
)

type Option func(*Engine)

// WithOutput copies everything scripts print to w, in addition to the log.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.output = w }
}

// Engine executes scripts one at a time. Each run gets a fresh Lua state.
type Engine struct {
	bench  *bench.Bench
	logger *logrus.Logger
	output io.Writer

	mu sync.Mutex
	// per-run state, guarded by mu for the duration of RunScript
	ctx     context.Context
	name    string
	failure error
}

func New(b *bench.Bench, opts ...Option) *Engine {
	e := &Engine{
		bench:  b,
		logger: b.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunScript executes source with vars exposed as arg[name].
func (e *Engine) RunScript(ctx context.Context, name, source string, vars map[string]string) error {
	if strings.TrimSpace(source) == "" {
		return &ScriptError{Type: TypeAPI, Message: ErrEmptyScript.Error(), Source: name, Underlying: ErrEmptyScript}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.name, e.failure = ctx, name, nil
	defer func() { e.ctx, e.failure = nil, nil }()

	L := lua.NewState()
	defer L.Close()
	L.OpenLibs()
	e.registerPrint(L)
	e.registerArgs(L, vars)
	e.registerAPI(L)

	log := e.logger.WithField("script", name)
	log.WithField("script_size", len(source)).Debug("Starting Lua script execution")

	if status := L.LoadString(source); status != 0 {
		msg := "syntax error"
		if L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Pop(1)
		err := parseScriptError(TypeSyntax, name, msg)
		log.WithError(err).Warn("Lua script does not compile")
		return err
	}
	if err := L.Call(0, 0); err != nil {
		// a brhil error caught by pcall stays recorded; only report it when it is what ended the script
		if e.failure != nil && strings.Contains(err.Error(), e.failure.Error()) {
			log.WithError(e.failure).Warn("Lua script failed in brhil call")
			return &ScriptError{Type: TypeAPI, Message: e.failure.Error(), Source: name, Underlying: e.failure}
		}
		serr := parseScriptError(TypeRuntime, name, err.Error())
		log.WithError(serr).Warn("Lua script failed")
		return serr
	}
	log.Debug("Lua script execution completed")
	return nil
}

// safeWrap converts Go panics inside API functions into Lua errors.
func (e *Engine) safeWrap(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) int {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(*lua.LuaError); ok {
					panic(r)
				}
				e.logger.WithFields(logrus.Fields{
					"function": name,
					"panic":    r,
					"stack":    string(debug.Stack()),
				}).Error("Panic in Lua API function")
				e.failure = fmt.Errorf("%s: panic: %v", name, r)
				L.RaiseError(e.failure.Error())
			}
		}()
		e.failure = nil
		return fn(L)
	}
}

// raise records err as the script failure and aborts the script.
func (e *Engine) raise(L *lua.State, err error) int {
	e.failure = err
	L.RaiseError(err.Error())
	return 0
}

func (e *Engine) registerPrint(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		line := strings.Join(parts, "\t")
		e.logger.WithField("script", e.name).Info(line)
		if e.output != nil {
			if _, err := fmt.Fprintln(e.output, line); err != nil {
				e.logger.WithError(err).Debug("Failed to write script output")
			}
		}
		return 0
	})
	L.SetGlobal("print")
}

func (e *Engine) registerArgs(L *lua.State, vars map[string]string) {
	L.NewTable()
	for k, v := range vars {
		L.PushString(k)
		L.PushString(v)
		L.SetTable(-3)
	}
	L.SetGlobal("arg")
}
