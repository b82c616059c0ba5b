//go:build test

package testutils

import (
	"sync"
)

// ScriptedSource replays a fixed sequence of drain batches, one batch per Drain call.
// Once the script is exhausted Drain returns no lines. A failure can be planted on a
// given tick (1-based) to emulate a dead transport.
type ScriptedSource struct {
	mu      sync.Mutex
	batches [][]string
	drains  int
	failAt  int
	failErr error
	onDrain func(tick int)
}

// NewScriptedSource creates a source that returns batches in order.
func NewScriptedSource(batches ...[]string) *ScriptedSource {
	return &ScriptedSource{batches: batches}
}

// OneLinePerTick creates a source delivering one line per Drain call.
func OneLinePerTick(lines ...string) *ScriptedSource {
	batches := make([][]string, len(lines))
	for i, l := range lines {
		batches[i] = []string{l}
	}
	return NewScriptedSource(batches...)
}

// FailOn makes the tick-th Drain call (1-based) return err.
func (s *ScriptedSource) FailOn(tick int, err error) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = tick
	s.failErr = err
	return s
}

// OnDrain registers a hook invoked at the start of every Drain call.
func (s *ScriptedSource) OnDrain(fn func(tick int)) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrain = fn
	return s
}

// Push appends batches to the end of the script.
func (s *ScriptedSource) Push(batches ...[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batches...)
}

// PushLines appends one batch holding lines.
func (s *ScriptedSource) PushLines(lines ...string) {
	s.Push(lines)
}

func (s *ScriptedSource) Drain() ([]string, error) {
	s.mu.Lock()
	s.drains++
	tick := s.drains
	hook := s.onDrain
	s.mu.Unlock()

	if hook != nil {
		hook(tick)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && tick >= s.failAt {
		return nil, s.failErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

// Drains returns how many times Drain was called.
func (s *ScriptedSource) Drains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

// Pending returns the number of batches not yet drained.
func (s *ScriptedSource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// Reply is the scripted reaction of a FakeConsole to one command.
type Reply struct {
	// Echo is returned synchronously by Send.
	Echo []string
	// Later is queued as drain batches after the send.
	Later [][]string
	Err   error
}

// FakeConsole is an in-memory console: it records every command, answers with
// scripted replies and serves queued lines through Drain.
type FakeConsole struct {
	*ScriptedSource

	name    string
	mu      sync.Mutex
	sent    []string
	replies map[string][]Reply
	closed  bool
}

func NewFakeConsole(name string) *FakeConsole {
	return &FakeConsole{
		ScriptedSource: NewScriptedSource(),
		name:           name,
		replies:        make(map[string][]Reply),
	}
}

// On registers a reply for cmd. Replies for the same command are consumed in
// order; the last one sticks.
func (c *FakeConsole) On(cmd string, reply Reply) *FakeConsole {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[cmd] = append(c.replies[cmd], reply)
	return c
}

func (c *FakeConsole) Name() string { return c.name }

func (c *FakeConsole) Send(cmd string) ([]string, error) {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	var reply Reply
	if queue := c.replies[cmd]; len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			c.replies[cmd] = queue[1:]
		}
	}
	c.mu.Unlock()

	if reply.Err != nil {
		return nil, reply.Err
	}
	c.Push(reply.Later...)
	return reply.Echo, nil
}

// Sent returns the recorded commands.
func (c *FakeConsole) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *FakeConsole) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConsole) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
