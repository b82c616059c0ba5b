// Package shell pairs commands sent to a DUT console with expectations on what
// the console prints back.
package shell

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/brhil/internal/console"
	"github.com/srg/brhil/internal/expect"
)

// Shell is the command/response front-end of one board console.
// It is also a console.Source: lines that a previous wait drained but did not
// inspect are served again before anything new from the console.
type Shell struct {
	name    string
	console console.Console
	engine  *expect.Engine
	logger  *logrus.Logger

	history History

	mu      sync.Mutex
	backlog []string

	busy atomic.Bool
}

// New creates a shell over c. A nil engine gets expect.DefaultOptions with logger.
func New(c console.Console, engine *expect.Engine, logger *logrus.Logger) *Shell {
	if engine == nil {
		opts := expect.DefaultOptions()
		opts.Logger = logger
		engine = expect.NewEngine(opts)
	}
	if logger == nil {
		logger = engine.Logger()
	}
	return &Shell{
		name:    c.Name(),
		console: c,
		engine:  engine,
		logger:  logger,
	}
}

func (s *Shell) Name() string { return s.name }

func (s *Shell) Console() console.Console { return s.console }

func (s *Shell) Engine() *expect.Engine { return s.engine }

// History returns the log of every line this shell has seen.
func (s *Shell) History() *History { return &s.history }

// Drain returns pushed-back lines first, then whatever the console has buffered.
func (s *Shell) Drain() ([]string, error) {
	backlog := s.takeBacklog()

	lines, err := s.console.Drain()
	if err != nil {
		if len(backlog) > 0 {
			// the console latches its error; the next drain reports it
			return backlog, nil
		}
		return nil, err
	}
	s.history.Append(lines...)
	if len(backlog) == 0 {
		return lines, nil
	}
	return append(backlog, lines...), nil
}

func (s *Shell) takeBacklog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog := s.backlog
	s.backlog = nil
	return backlog
}

func (s *Shell) pushBack(lines []string) {
	if len(lines) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]string, 0, len(lines)+len(s.backlog))
	merged = append(merged, lines...)
	s.backlog = append(merged, s.backlog...)
}

// appendBacklog queues lines behind the current backlog.
func (s *Shell) appendBacklog(lines []string) {
	if len(lines) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, lines...)
}

// Pending returns the number of pushed-back lines.
func (s *Shell) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *Shell) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrWaitInProgress
	}
	return nil
}

func (s *Shell) release() { s.busy.Store(false) }

// Exec sends cmd and checks the console output against the configured expectation.
//
// Without an expectation Exec returns the lines the transport produced synchronously.
// With NoWait only those lines are checked. Otherwise they are checked first and the
// shell is polled until the expectation holds or the window ends.
// An unmet expectation returns the transcript together with an *AssertionError.
func (s *Shell) Exec(ctx context.Context, cmd string, opts ...Option) (expect.Transcript, error) {
	cfg := newExecConfig(opts)
	if cfg.set != nil {
		if err := cfg.set.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	log := s.logger.WithFields(logrus.Fields{
		"board":   s.name,
		"command": cmd,
	})
	log.Info("Sending command")

	immediate, err := s.console.Send(cmd)
	if err != nil {
		log.WithError(err).Warn("Send failed")
		return nil, fmt.Errorf("%w: %s: send %q: %w", expect.ErrTransport, s.name, cmd, err)
	}
	s.history.Append(immediate...)

	if cfg.set == nil {
		return expect.Transcript(append([]string{}, immediate...)), nil
	}

	var out *expect.Outcome
	if cfg.noWait {
		out, err = expect.Evaluate(cfg.set, immediate)
		if out != nil {
			s.appendBacklog(out.Unread)
			out.Unread = nil
		}
	} else {
		// pushed-back lines were printed before the command, so they precede its echo
		initial := append(s.takeBacklog(), immediate...)
		wopts := append([]expect.WaitOption{
			expect.WithSourceName(s.name),
			expect.WithInitialLines(initial),
		}, cfg.wait...)
		out, err = s.engine.Wait(ctx, s, cfg.set, wopts...)
	}
	if out != nil {
		s.pushBack(out.Unread)
	}
	if err != nil {
		if out != nil {
			return out.Transcript, err
		}
		return nil, err
	}

	if !out.Found {
		log.WithFields(logrus.Fields{
			"expect":     cfg.set.String(),
			"reason":     out.Reason.String(),
			"transcript": out.Transcript.String(),
		}).Debug("Expectation not met")
		return out.Transcript, &AssertionError{
			Shell:      s.name,
			Command:    cmd,
			Expected:   cfg.set.String(),
			Reason:     out.Reason,
			Transcript: out.Transcript,
		}
	}
	log.WithField("lines", len(out.Transcript)).Debug("Command verified")
	return out.Transcript, nil
}

// Wait polls the shell until set holds or the window ends.
// Unlike Exec, an unmet expectation is not an error; inspect Outcome.Found.
// Expectation options in opts are ignored.
func (s *Shell) Wait(ctx context.Context, set *expect.Set, opts ...Option) (*expect.Outcome, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	cfg := newExecConfig(opts)
	wopts := append([]expect.WaitOption{expect.WithSourceName(s.name)}, cfg.wait...)
	out, err := s.engine.Wait(ctx, s, set, wopts...)
	if out != nil {
		s.pushBack(out.Unread)
	}
	return out, err
}

// WaitWith is Wait over the shell merged with another source, such as the
// peer's event log, so one set can require events from both sides in any order.
// Shell lines left unread are pushed back; unread lines of other are dropped.
func (s *Shell) WaitWith(ctx context.Context, set *expect.Set, name string, other console.Source, opts ...Option) (*expect.Outcome, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	cfg := newExecConfig(opts)
	mux := console.NewMux(false).
		Add(s.name, s).
		Add(name, other)
	wopts := append([]expect.WaitOption{expect.WithSourceName(s.name + "+" + name)}, cfg.wait...)
	out, err := s.engine.Wait(ctx, mux, set, wopts...)
	if out != nil && len(out.Unread) > 0 {
		s.pushBack(mux.Tail(out.Unread)[s.name])
	}
	return out, err
}

// ReadLinesUntil collects lines until one matches p or timeout passes.
func (s *Shell) ReadLinesUntil(ctx context.Context, p expect.Pattern, timeout time.Duration) (expect.Transcript, bool, error) {
	out, err := s.Wait(ctx, expect.All(p), Within(timeout))
	if out == nil {
		return nil, false, err
	}
	return out.Transcript, out.Found, err
}

// Close closes the console.
func (s *Shell) Close() error {
	return s.console.Close()
}
