package luascript

import (
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/srg/brhil/internal/board"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/shell"
)

// registerAPI installs the global brhil table:
//
//	brhil.exec(board, cmd, [expect], [timeout_s]) -> lines
//	brhil.wait(board, {patterns}, [mode], [timeout_s]) -> found, lines
//	brhil.absent(board, pattern, [timeout_s]) -> absent, lines
//	brhil.sleep(ms)
//	brhil.count(board, substr) -> n
//	brhil.addr(board) -> "AA:BB:..." or nil
//
// Patterns use the scenario syntax: plain text is a substring, "re:" starts a regexp.
func (e *Engine) registerAPI(L *lua.State) {
	L.NewTable()
	e.pushFunction(L, "exec", e.luaExec)
	e.pushFunction(L, "wait", e.luaWait)
	e.pushFunction(L, "absent", e.luaAbsent)
	e.pushFunction(L, "sleep", e.luaSleep)
	e.pushFunction(L, "count", e.luaCount)
	e.pushFunction(L, "addr", e.luaAddr)
	L.SetGlobal("brhil")
}

func (e *Engine) pushFunction(L *lua.State, name string, fn lua.LuaGoFunction) {
	L.PushString(name)
	L.PushGoFunction(e.safeWrap("brhil."+name+"()", fn))
	L.SetTable(-3)
}

func (e *Engine) luaExec(L *lua.State) int {
	brd, ok := e.boardArg(L, 1, "exec")
	if !ok {
		return 0
	}
	if L.Type(2) != lua.LUA_TSTRING {
		return e.raise(L, fmt.Errorf("exec(board, cmd) expects a command string"))
	}
	cmd := L.ToString(2)

	var opts []shell.Option
	if present(L, 3) {
		p, ok := e.patternArg(L, 3, "exec")
		if !ok {
			return 0
		}
		opts = append(opts, shell.Expect(p))
	}
	if present(L, 4) {
		d, ok := e.secondsArg(L, 4, "exec")
		if !ok {
			return 0
		}
		opts = append(opts, shell.Within(d))
	}

	lines, err := brd.Exec(e.ctx, cmd, opts...)
	if err != nil {
		return e.raise(L, err)
	}
	pushLines(L, lines)
	return 1
}

func (e *Engine) luaWait(L *lua.State) int {
	brd, ok := e.boardArg(L, 1, "wait")
	if !ok {
		return 0
	}
	if !L.IsTable(2) {
		return e.raise(L, fmt.Errorf("wait(board, patterns) expects a table of patterns"))
	}
	var specs []string
	L.PushNil()
	for L.Next(2) != 0 {
		if L.Type(-1) != lua.LUA_TSTRING {
			L.Pop(2)
			return e.raise(L, fmt.Errorf("wait(board, patterns) expects string patterns"))
		}
		specs = append(specs, L.ToString(-1))
		L.Pop(1)
	}
	patterns, err := expect.ParseAll(specs...)
	if err != nil {
		return e.raise(L, err)
	}

	mode := expect.ModeAll
	if present(L, 3) {
		if mode, err = expect.ParseMode(L.ToString(3)); err != nil {
			return e.raise(L, err)
		}
	}
	set := expect.NewSet(mode, patterns...)
	if err := set.Validate(); err != nil {
		return e.raise(L, err)
	}

	opts, ok := e.windowOpts(L, 4, "wait")
	if !ok {
		return 0
	}
	out, err := brd.Shell().Wait(e.ctx, set, opts...)
	if err != nil {
		return e.raise(L, err)
	}
	L.PushBoolean(out.Found)
	pushLines(L, out.Transcript)
	return 2
}

func (e *Engine) luaAbsent(L *lua.State) int {
	brd, ok := e.boardArg(L, 1, "absent")
	if !ok {
		return 0
	}
	p, ok := e.patternArg(L, 2, "absent")
	if !ok {
		return 0
	}
	opts, ok := e.windowOpts(L, 3, "absent")
	if !ok {
		return 0
	}
	out, err := brd.Shell().Wait(e.ctx, expect.Not(p), opts...)
	if err != nil {
		return e.raise(L, err)
	}
	L.PushBoolean(out.Found)
	pushLines(L, out.Transcript)
	return 2
}

func (e *Engine) luaSleep(L *lua.State) int {
	if !L.IsNumber(1) {
		return e.raise(L, fmt.Errorf("sleep(milliseconds) expects a number argument"))
	}
	ms := L.ToInteger(1)
	if ms < 0 {
		return e.raise(L, fmt.Errorf("sleep(milliseconds) expects a non-negative number"))
	}
	if err := e.bench.Engine().Clock().Sleep(e.ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return e.raise(L, err)
	}
	return 0
}

func (e *Engine) luaCount(L *lua.State) int {
	brd, ok := e.boardArg(L, 1, "count")
	if !ok {
		return 0
	}
	if L.Type(2) != lua.LUA_TSTRING {
		return e.raise(L, fmt.Errorf("count(board, text) expects a string"))
	}
	L.PushInteger(int64(brd.Shell().History().Count(L.ToString(2))))
	return 1
}

func (e *Engine) luaAddr(L *lua.State) int {
	brd, ok := e.boardArg(L, 1, "addr")
	if !ok {
		return 0
	}
	id := brd.Identity()
	if id.Addr == nil {
		L.PushNil()
		return 1
	}
	L.PushString(id.Address())
	return 1
}

func (e *Engine) boardArg(L *lua.State, i int, fn string) (*board.Board, bool) {
	if L.Type(i) != lua.LUA_TSTRING {
		e.raise(L, fmt.Errorf("%s() expects a board name as argument %d", fn, i))
		return nil, false
	}
	brd, err := e.bench.Board(L.ToString(i))
	if err != nil {
		e.raise(L, err)
		return nil, false
	}
	return brd, true
}

func (e *Engine) patternArg(L *lua.State, i int, fn string) (expect.Pattern, bool) {
	if L.Type(i) != lua.LUA_TSTRING {
		e.raise(L, fmt.Errorf("%s() expects a pattern string as argument %d", fn, i))
		return nil, false
	}
	p, err := expect.Parse(L.ToString(i))
	if err != nil {
		e.raise(L, err)
		return nil, false
	}
	return p, true
}

func (e *Engine) secondsArg(L *lua.State, i int, fn string) (time.Duration, bool) {
	if !L.IsNumber(i) {
		e.raise(L, fmt.Errorf("%s() expects a timeout in seconds as argument %d", fn, i))
		return 0, false
	}
	secs := L.ToNumber(i)
	if secs < 0 {
		e.raise(L, fmt.Errorf("%s() expects a non-negative timeout", fn))
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func (e *Engine) windowOpts(L *lua.State, i int, fn string) ([]shell.Option, bool) {
	if !present(L, i) {
		return nil, true
	}
	d, ok := e.secondsArg(L, i, fn)
	if !ok {
		return nil, false
	}
	return []shell.Option{shell.Within(d)}, true
}

func present(L *lua.State, i int) bool {
	return L.GetTop() >= i && !L.IsNil(i)
}

func pushLines(L *lua.State, lines []string) {
	L.NewTable()
	for i, line := range lines {
		L.PushInteger(int64(i + 1))
		L.PushString(line)
		L.SetTable(-3)
	}
}
