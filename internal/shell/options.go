package shell

import (
	"time"

	"github.com/srg/brhil/internal/expect"
)

type execConfig struct {
	set    *expect.Set
	noWait bool
	wait   []expect.WaitOption
}

// Option configures Exec and Wait.
type Option func(*execConfig)

func newExecConfig(opts []Option) execConfig {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Expect requires p to appear.
func Expect(p expect.Pattern) Option {
	return ExpectSet(expect.All(p))
}

func ExpectAll(patterns ...expect.Pattern) Option {
	return ExpectSet(expect.All(patterns...))
}

func ExpectAny(patterns ...expect.Pattern) Option {
	return ExpectSet(expect.Any(patterns...))
}

// ExpectAbsent requires p to stay absent for the whole window.
func ExpectAbsent(p expect.Pattern) Option {
	return ExpectSet(expect.Not(p))
}

func ExpectSet(set *expect.Set) Option {
	return func(c *execConfig) { c.set = set }
}

// NoWait checks only the lines the console returned synchronously from Send.
func NoWait() Option {
	return func(c *execConfig) { c.noWait = true }
}

// Within overrides the engine's default timeout.
func Within(d time.Duration) Option {
	return func(c *execConfig) { c.wait = append(c.wait, expect.Within(d)) }
}

// PollEvery overrides the engine's poll interval.
func PollEvery(d time.Duration) Option {
	return func(c *execConfig) { c.wait = append(c.wait, expect.PollEvery(d)) }
}
