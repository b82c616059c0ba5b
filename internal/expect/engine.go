package expect

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is the suspension between unproductive drains.
	DefaultPollInterval = time.Second
	// DefaultTimeout is the wait budget used when neither Options nor a WaitOption set one.
	DefaultTimeout = 3 * time.Second
)

// LineSource is a non-blocking producer of DUT output lines.
// Drain returns whatever complete lines are buffered, possibly none.
// It must only return an error for a genuine transport failure.
type LineSource interface {
	Drain() ([]string, error)
}

// LineSourceFunc adapts a function to LineSource.
type LineSourceFunc func() ([]string, error)

func (f LineSourceFunc) Drain() ([]string, error) { return f() }

// Options configures an Engine.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *logrus.Logger
	Clock        Clock
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() *Options {
	return &Options{
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
		Clock:        SystemClock(),
	}
}

// Metrics tracks engine activity across waits. Safe for concurrent use.
type Metrics struct {
	Waits             atomic.Int64
	Matched           atomic.Int64
	TimedOut          atomic.Int64
	TransportFailures atomic.Int64
	Cancelled         atomic.Int64
	Lines             atomic.Int64
	Polls             atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Waits             int64 `json:"waits"`
	Matched           int64 `json:"matched"`
	TimedOut          int64 `json:"timed_out"`
	TransportFailures int64 `json:"transport_failures"`
	Cancelled         int64 `json:"cancelled"`
	Lines             int64 `json:"lines"`
	Polls             int64 `json:"polls"`
}

// Engine runs waits. It holds no per-wait state, so one Engine may serve
// concurrent waits over independent sources.
type Engine struct {
	poll    time.Duration
	timeout time.Duration
	logger  *logrus.Logger
	clock   Clock
	metrics Metrics
}

// NewEngine creates an engine. A nil opts, or zero fields, fall back to defaults.
func NewEngine(opts *Options) *Engine {
	def := DefaultOptions()
	if opts == nil {
		opts = def
	}
	e := &Engine{
		poll:    opts.PollInterval,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		clock:   opts.Clock,
	}
	if e.poll <= 0 {
		e.poll = def.PollInterval
	}
	if e.timeout <= 0 {
		e.timeout = def.Timeout
	}
	if e.clock == nil {
		e.clock = def.Clock
	}
	if e.logger == nil {
		e.logger = newNoopLogger()
	}
	return e
}

// PollInterval returns the engine's default poll interval.
func (e *Engine) PollInterval() time.Duration { return e.poll }

// Timeout returns the engine's default budget.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Clock returns the engine's clock.
func (e *Engine) Clock() Clock { return e.clock }

// Logger returns the engine's logger.
func (e *Engine) Logger() *logrus.Logger { return e.logger }

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Waits:             e.metrics.Waits.Load(),
		Matched:           e.metrics.Matched.Load(),
		TimedOut:          e.metrics.TimedOut.Load(),
		TransportFailures: e.metrics.TransportFailures.Load(),
		Cancelled:         e.metrics.Cancelled.Load(),
		Lines:             e.metrics.Lines.Load(),
		Polls:             e.metrics.Polls.Load(),
	}
}

type waitConfig struct {
	poll    time.Duration
	timeout time.Duration
	initial []string
	source  string
}

// WaitOption overrides per-wait parameters.
type WaitOption func(*waitConfig)

// Within sets the wait budget. Zero means a single drain with no polling.
func Within(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// PollEvery sets the suspension between unproductive drains.
func PollEvery(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithInitialLines feeds lines to the wait before the first drain, as if they
// had arrived in an earlier batch. Used for synchronous echoes and replayed backlog.
func WithInitialLines(lines []string) WaitOption {
	return func(c *waitConfig) {
		c.initial = lines
	}
}

// WithSourceName labels the wait's log entries.
func WithSourceName(name string) WaitOption {
	return func(c *waitConfig) {
		c.source = name
	}
}

// run holds the mutable state of one wait call.
type run struct {
	set     *Set
	outcome *Outcome
}

// feed processes lines in order and reports the index just past the satisfying
// line, or -1 if the policy still does not hold.
func (r *run) feed(lines []string) int {
	exps := r.outcome.Expectations
	for i, line := range lines {
		r.outcome.Transcript = append(r.outcome.Transcript, line)
		idx := len(r.outcome.Transcript) - 1
		for j := range exps {
			if exps[j].Satisfied {
				continue
			}
			if exps[j].Pattern.Match(line) {
				exps[j].Satisfied = true
				exps[j].MatchIndex = idx
			}
		}
		// A negated wait runs out its whole budget.
		if !r.set.negate && satisfied(r.set.mode, exps) {
			return i + 1
		}
	}
	return -1
}

// Wait polls src until set's policy holds or the budget runs out.
//
// A timeout is not an error: it yields an Outcome with Found=false and ReasonTimedOut.
// A Drain failure returns the partial Outcome together with an error wrapping ErrTransport.
// ctx cancellation returns the partial Outcome together with ctx.Err().
func (e *Engine) Wait(ctx context.Context, src LineSource, set *Set, opts ...WaitOption) (*Outcome, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil line source", ErrInvalidSet)
	}

	cfg := waitConfig{poll: e.poll, timeout: e.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	e.metrics.Waits.Add(1)
	log := e.logger.WithFields(logrus.Fields{
		"expect":  set.String(),
		"timeout": cfg.timeout,
	})
	if cfg.source != "" {
		log = log.WithField("source", cfg.source)
	}

	r := &run{
		set: set,
		outcome: &Outcome{
			Mode:         set.mode,
			Negated:      set.negate,
			Transcript:   Transcript{},
			Expectations: set.expectations(),
		},
	}
	start := e.clock.Now()
	deadline := start.Add(cfg.timeout)
	finish := func() *Outcome {
		r.outcome.Elapsed = e.clock.Now().Sub(start)
		return r.outcome
	}

	log.Debug("Waiting for expectation")

	if len(cfg.initial) > 0 {
		e.metrics.Lines.Add(int64(len(cfg.initial)))
		if n := r.feed(cfg.initial); n >= 0 {
			r.outcome.Unread = copyLines(cfg.initial[n:])
			return e.matched(log, finish()), nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			e.metrics.Cancelled.Add(1)
			log.WithError(err).Debug("Wait cancelled")
			return finish(), err
		}

		lines, err := src.Drain()
		r.outcome.Polls++
		e.metrics.Polls.Add(1)
		if err != nil {
			e.metrics.TransportFailures.Add(1)
			log.WithError(err).Warn("Line source failed during wait")
			return finish(), fmt.Errorf("%w: %w", ErrTransport, err)
		}

		e.metrics.Lines.Add(int64(len(lines)))
		for _, line := range lines {
			log.WithField("line", line).Trace("Line received")
		}
		if n := r.feed(lines); n >= 0 {
			r.outcome.Unread = copyLines(lines[n:])
			return e.matched(log, finish()), nil
		}

		// Deadline is checked after the batch so a line drained at the deadline still counts.
		now := e.clock.Now()
		if !now.Before(deadline) {
			break
		}
		if len(lines) > 0 {
			continue
		}
		sleep := cfg.poll
		if remaining := deadline.Sub(now); remaining < sleep {
			sleep = remaining
		}
		if err := e.clock.Sleep(ctx, sleep); err != nil {
			e.metrics.Cancelled.Add(1)
			log.WithError(err).Debug("Wait cancelled")
			return finish(), err
		}
	}

	out := finish()
	logExpectations(log, out)
	if set.negate {
		if satisfied(set.mode, out.Expectations) {
			out.Found = false
			out.Reason = ReasonPresent
			e.metrics.Matched.Add(1)
			log.WithField("line", out.Transcript[out.Expectations[0].MatchIndex]).Debug("Unexpected pattern present")
		} else {
			out.Found = true
			out.Reason = ReasonAbsent
			log.Debug("Pattern absent for the whole window")
		}
		return out, nil
	}

	out.Found = false
	out.Reason = ReasonTimedOut
	e.metrics.TimedOut.Add(1)
	log.WithFields(logrus.Fields{
		"lines":       len(out.Transcript),
		"polls":       out.Polls,
		"unsatisfied": len(out.Unsatisfied()),
	}).Debug("Wait timed out")
	return out, nil
}

// Evaluate checks set against a fixed batch of lines without polling or waiting.
// A negated set is evaluated over the whole batch.
func Evaluate(set *Set, lines []string) (*Outcome, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	r := &run{
		set: set,
		outcome: &Outcome{
			Mode:         set.mode,
			Negated:      set.negate,
			Transcript:   Transcript{},
			Expectations: set.expectations(),
		},
	}
	out := r.outcome
	if n := r.feed(lines); n >= 0 {
		out.Unread = copyLines(lines[n:])
		out.Found = true
		out.Reason = ReasonMatched
		return out, nil
	}
	switch {
	case !set.negate:
		out.Reason = ReasonNotFound
	case satisfied(set.mode, out.Expectations):
		out.Reason = ReasonPresent
	default:
		out.Found = true
		out.Reason = ReasonAbsent
	}
	return out, nil
}

func logExpectations(log *logrus.Entry, out *Outcome) {
	for _, exp := range out.Expectations {
		log.Debugf("Expected DUT response: %s, matched: %t", exp.Pattern, exp.Satisfied)
	}
}

func (e *Engine) matched(log *logrus.Entry, out *Outcome) *Outcome {
	logExpectations(log, out)
	out.Found = true
	out.Reason = ReasonMatched
	e.metrics.Matched.Add(1)
	log.WithFields(logrus.Fields{
		"lines":   len(out.Transcript),
		"polls":   out.Polls,
		"elapsed": out.Elapsed,
	}).Debug("Expectation matched")
	return out
}

func copyLines(lines []string) []string {
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

func newNoopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}
