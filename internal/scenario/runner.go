package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/board"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/shell"
)

var (
	ErrNoBoard      = errors.New("step needs a board but none is selected")
	ErrNoScripts    = errors.New("lua steps need a script runner")
	ErrNoChannel    = errors.New("no peer channel open")
	ErrCountOutside = errors.New("match count out of range")
)

// ScriptRunner executes inline Lua steps.
type ScriptRunner interface {
	RunScript(ctx context.Context, name, source string, vars map[string]string) error
}

type RunnerOption func(*Runner)

func WithScripts(s ScriptRunner) RunnerOption {
	return func(r *Runner) { r.scripts = s }
}

// WithStepHook registers fn to be called before each step starts.
func WithStepHook(fn func(sc *Scenario, index int, st Step)) RunnerOption {
	return func(r *Runner) { r.onStep = fn }
}

// Runner executes scenarios step by step against a bench.
type Runner struct {
	bench   *bench.Bench
	logger  *logrus.Logger
	clock   expect.Clock
	scripts ScriptRunner
	onStep  func(sc *Scenario, index int, st Step)
}

func NewRunner(b *bench.Bench, opts ...RunnerOption) *Runner {
	r := &Runner{
		bench:  b,
		logger: b.Logger(),
		clock:  b.Engine().Clock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runState struct {
	channels []io.ReadWriteCloser
}

func (s *runState) close() {
	for _, ch := range s.channels {
		_ = ch.Close()
	}
}

// RunAll runs scenarios in order. Every scenario runs even when an earlier one fails.
func (r *Runner) RunAll(ctx context.Context, scenarios []*Scenario) []*Result {
	results := make([]*Result, 0, len(scenarios))
	for _, sc := range scenarios {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.Run(ctx, sc))
	}
	return results
}

// Run executes sc and stops at the first failing step.
func (r *Runner) Run(ctx context.Context, sc *Scenario) *Result {
	start := r.clock.Now()
	res := &Result{Name: sc.Name, Path: sc.Path, Steps: []StepResult{}}
	log := r.logger.WithField("scenario", sc.Name)

	if sc.Skip != "" {
		res.Skipped = true
		res.SkipReason = sc.Skip
		log.WithField("reason", sc.Skip).Info("Scenario skipped")
		return res
	}

	if missing := r.missingBoard(sc); missing != "" {
		res.Skipped = true
		res.SkipReason = fmt.Sprintf("board %s not on bench", missing)
		log.WithField("reason", res.SkipReason).Info("Scenario skipped")
		return res
	}
	defaultBoard := r.defaultBoard(sc)

	env, err := newEnv(sc, r.lookup)
	if err != nil {
		res.Err = fmt.Errorf("scenario %q: %w", sc.Name, err)
		return res
	}

	state := &runState{}
	defer state.close()

	log.WithField("steps", len(sc.Steps)).Info("Running scenario")
	for i, st := range sc.Steps {
		if r.onStep != nil {
			r.onStep(sc, i+1, st)
		}
		sr, err := r.runStep(ctx, env, state, st, defaultBoard)
		sr.Index = i + 1
		res.Steps = append(res.Steps, sr)
		if err != nil {
			res.Err = &StepError{Scenario: sc.Name, Index: i + 1, Step: sr.Name, Board: sr.Board, Err: err}
			break
		}
	}

	res.Passed = res.Err == nil
	res.Duration = r.clock.Now().Sub(start)
	entry := log.WithFields(logrus.Fields{
		"passed":   res.Passed,
		"duration": res.Duration,
	})
	if res.Err != nil {
		entry.WithError(res.Err).Error("Scenario failed")
	} else {
		entry.Info("Scenario passed")
	}
	return res
}

// missingBoard returns the first board sc needs that the bench does not have.
func (r *Runner) missingBoard(sc *Scenario) string {
	for _, name := range sc.Boards {
		if _, err := r.bench.Board(name); err != nil {
			return name
		}
	}
	return ""
}

func (r *Runner) defaultBoard(sc *Scenario) string {
	if len(sc.Boards) > 0 {
		return sc.Boards[0]
	}
	if boards := r.bench.Boards(); len(boards) > 0 {
		return boards[0].Name()
	}
	return ""
}

// lookup resolves <board>.addr and peer.addr.
func (r *Runner) lookup(name string) (string, bool) {
	owner, ok := strings.CutSuffix(name, ".addr")
	if !ok {
		return "", false
	}
	if owner == "peer" {
		addr := r.bench.Config().Peer.Address
		return addr, addr != ""
	}
	brd, err := r.bench.Board(owner)
	if err != nil || brd.Identity().Addr == nil {
		return "", false
	}
	return brd.Identity().Address(), true
}

func (r *Runner) runStep(ctx context.Context, env *env, state *runState, st Step, defaultBoard string) (StepResult, error) {
	start := r.clock.Now()
	sr := StepResult{Name: st.Label()}
	err := r.execStep(ctx, env, state, st, defaultBoard, &sr)
	sr.Passed = err == nil
	sr.Err = err
	sr.Duration = r.clock.Now().Sub(start)

	var assertErr *shell.AssertionError
	if errors.As(err, &assertErr) {
		sr.Reason = assertErr.Reason.String()
		sr.Transcript = assertErr.Transcript
	}
	r.logger.WithFields(logrus.Fields{
		"step":   sr.Name,
		"board":  sr.Board,
		"passed": sr.Passed,
	}).Debug("Step finished")
	return sr, err
}

func (r *Runner) execStep(ctx context.Context, env *env, state *runState, st Step, defaultBoard string, sr *StepResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := env.expandStep(st)
	if err != nil {
		return err
	}

	boardName := st.Board
	if boardName == "" {
		boardName = defaultBoard
	}
	sr.Board = boardName
	var brd *board.Board
	needBoard := st.Send != "" || st.Action != "" || st.hasExpectation() || st.Count != nil
	if needBoard {
		if boardName == "" {
			return ErrNoBoard
		}
		if brd, err = r.bench.Board(boardName); err != nil {
			return err
		}
	}

	set, err := st.expectation()
	if err != nil {
		return err
	}
	if set != nil {
		sr.Expected = set.String()
	}

	if st.Sleep > 0 {
		if err := r.clock.Sleep(ctx, st.Sleep); err != nil {
			return err
		}
	}

	waitAfter := set != nil
	switch {
	case st.Send != "":
		sr.Command = st.Send
		var opts []shell.Option
		if set != nil && !st.WithPeer {
			opts = append(opts, shell.ExpectSet(set))
			waitAfter = false
		}
		if st.NoWait {
			opts = append(opts, shell.NoWait())
		}
		if st.Timeout > 0 {
			opts = append(opts, shell.Within(st.Timeout))
		}
		lines, err := brd.Exec(ctx, st.Send, opts...)
		sr.Transcript = lines
		if err != nil {
			return err
		}
		if set != nil && !waitAfter {
			sr.Reason = passReason(set)
		}
	case st.Action != "":
		if err := r.runAction(ctx, brd, st); err != nil {
			return err
		}
	case st.Peer != "":
		if err := r.runPeer(ctx, state, st); err != nil {
			return err
		}
	case st.Lua != "":
		if r.scripts == nil {
			return ErrNoScripts
		}
		if err := r.scripts.RunScript(ctx, sr.Name, st.Lua, env.snapshot()); err != nil {
			return err
		}
	}

	if st.PeerWrite != "" {
		if len(state.channels) == 0 {
			return ErrNoChannel
		}
		if _, err := state.channels[len(state.channels)-1].Write([]byte(st.PeerWrite)); err != nil {
			return fmt.Errorf("peer channel write: %w", err)
		}
	}

	if waitAfter {
		if err := r.wait(ctx, brd, boardName, st, set, sr); err != nil {
			return err
		}
	}

	if st.Count != nil {
		return countMatches(brd, st.Count)
	}
	return nil
}

func (r *Runner) wait(ctx context.Context, brd *board.Board, boardName string, st Step, set *expect.Set, sr *StepResult) error {
	var (
		out *expect.Outcome
		err error
	)
	if st.WithPeer {
		out, err = r.bench.WaitWithPeer(ctx, boardName, set, st.Timeout)
	} else {
		var opts []shell.Option
		if st.Timeout > 0 {
			opts = append(opts, shell.Within(st.Timeout))
		}
		out, err = brd.Shell().Wait(ctx, set, opts...)
	}
	if out != nil {
		sr.Transcript = out.Transcript
		sr.Reason = out.Reason.String()
	}
	if err != nil {
		return err
	}
	if !out.Found {
		return &shell.AssertionError{
			Shell:      boardName,
			Command:    st.Send,
			Expected:   set.String(),
			Reason:     out.Reason,
			Transcript: out.Transcript,
		}
	}
	return nil
}

func passReason(set *expect.Set) string {
	if set.Negated() {
		return expect.ReasonAbsent.String()
	}
	return expect.ReasonMatched.String()
}

func (r *Runner) runAction(ctx context.Context, brd *board.Board, st Step) error {
	switch st.Action {
	case ActionInit:
		_, err := brd.Init(ctx)
		return err
	case ActionAddress:
		_, err := brd.Address(ctx)
		return err
	case ActionClear:
		return brd.Clear(ctx)
	case ActionPageScan:
		return brd.PageScan(ctx, st.Arg != "off")
	case ActionInquiry:
		return brd.InquiryScan(ctx, st.Arg != "off", st.Arg == "limited")
	case ActionConnect:
		return brd.Connect(ctx, ble.NewAddr(st.Arg))
	case ActionDisconnect:
		return brd.Disconnect(ctx)
	case ActionL2CAPRegister, ActionL2CAPConnect, ActionL2CAPDisconnect:
		arg, err := parseL2CAPArg(st.Action, st.Arg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
		switch st.Action {
		case ActionL2CAPRegister:
			return brd.RegisterL2CAP(ctx, arg.PSM, arg.Mode)
		case ActionL2CAPConnect:
			return brd.ConnectL2CAP(ctx, arg.PSM, arg.Mode, arg.Sec, arg.ChanID)
		default:
			return brd.DisconnectL2CAP(ctx, arg.ChanID)
		}
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidScenario, st.Action)
}

func (r *Runner) runPeer(ctx context.Context, state *runState, st Step) error {
	p, err := r.bench.Peer()
	if err != nil {
		return err
	}
	switch st.Peer {
	case PeerConnect:
		return p.Connect(ctx, ble.NewAddr(st.Arg))
	case PeerAuthenticate:
		return p.Authenticate(ctx)
	case PeerEncrypt:
		return p.Encrypt(ctx)
	case PeerChannel:
		ch, err := p.CreateChannel(ctx, st.PSM)
		if err != nil {
			return err
		}
		state.channels = append(state.channels, ch)
		return nil
	case PeerDisconnect:
		return p.Disconnect(ctx)
	}
	return fmt.Errorf("%w: unknown peer operation %q", ErrInvalidScenario, st.Peer)
}

func countMatches(brd *board.Board, c *Count) error {
	p, err := expect.Parse(c.Pattern)
	if err != nil {
		return err
	}
	n := len(brd.Shell().History().Lines().Match(p))
	if c.Min != nil && n < *c.Min {
		return fmt.Errorf("%w: %s matched %d lines, want at least %d", ErrCountOutside, p, n, *c.Min)
	}
	if c.Max != nil && n > *c.Max {
		return fmt.Errorf("%w: %s matched %d lines, want at most %d", ErrCountOutside, p, n, *c.Max)
	}
	return nil
}
