//go:build test

package expect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	poll    = time.Second
	timeout = 3 * time.Second
)

type EngineTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	engine *expect.Engine
}

func (suite *EngineTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.engine = expect.NewEngine(&expect.Options{
		PollInterval: poll,
		Timeout:      timeout,
		Logger:       suite.helper.Logger,
		Clock:        suite.helper.Clock,
	})
}

func (suite *EngineTestSuite) wait(src expect.LineSource, set *expect.Set, opts ...expect.WaitOption) *expect.Outcome {
	out, err := suite.engine.Wait(context.Background(), src, set, opts...)
	suite.Require().NoError(err)
	suite.Require().NotNil(out)
	return out
}

func (suite *EngineTestSuite) TestAllModeExitsOnSatisfyingLine() {
	// GOAL: ALL mode returns as soon as the policy holds and the transcript stops at the satisfying line
	//
	// TEST SCENARIO: three lines one per tick, expect "Connected" → found after tick 2 → third line never drained
	src := testutils.OneLinePerTick("foo", "Connected: AA:BB", "bar")

	out := suite.wait(src, expect.All(expect.Literal("Connected")))

	suite.True(out.Found)
	suite.Equal(expect.ReasonMatched, out.Reason)
	suite.Equal(expect.Transcript{"foo", "Connected: AA:BB"}, out.Transcript)
	suite.Equal(2, out.Polls)
	suite.Equal(1, src.Pending(), "lines after success must not be drained")
	suite.Empty(suite.helper.Clock.Sleeps(), "productive polls never suspend")
}

func (suite *EngineTestSuite) TestAllModeTimesOut() {
	// GOAL: an unsatisfied ALL set waits out the whole budget and reports every delivered line
	//
	// TEST SCENARIO: "Disconnected" never appears → found=false after timeout → transcript holds all lines
	src := testutils.OneLinePerTick("foo", "Connected: AA:BB", "bar")

	out := suite.wait(src, expect.All(expect.Literal("Connected"), expect.Literal("Disconnected")))

	suite.False(out.Found)
	suite.Equal(expect.ReasonTimedOut, out.Reason)
	suite.Equal(expect.Transcript{"foo", "Connected: AA:BB", "bar"}, out.Transcript)
	suite.Equal(timeout, out.Elapsed)
	suite.Require().Len(out.Unsatisfied(), 1)
	suite.Equal(`"Disconnected"`, out.Unsatisfied()[0].String())
	suite.Require().Len(out.Satisfied(), 1)
	suite.Equal(1, out.Expectations[0].MatchIndex)
	suite.Equal(-1, out.Expectations[1].MatchIndex)
}

func (suite *EngineTestSuite) TestNegatedRunsFullWindow() {
	suite.Run("Absent", func() {
		// GOAL: a negated wait succeeds only after the whole budget elapsed without a match
		//
		// TEST SCENARIO: lines never contain "Error", timeout = 3 polls → found=true → all 3 polls ran
		suite.SetupTest()
		src := testutils.OneLinePerTick("boot", "ready")

		out := suite.wait(src, expect.Not(expect.Literal("Error")))

		suite.True(out.Found)
		suite.Equal(expect.ReasonAbsent, out.Reason)
		suite.True(out.Negated)
		suite.Equal(timeout, out.Elapsed)
		suite.GreaterOrEqual(out.Polls, 3)
		suite.Equal([]time.Duration{poll, poll, poll}, suite.helper.Clock.Sleeps())
	})

	suite.Run("PresentStillDrainsFullWindow", func() {
		// GOAL: a match does not end a negated wait early
		//
		// TEST SCENARIO: "Error" on tick 1, more lines later → found=false → later lines are in the transcript
		suite.SetupTest()
		src := testutils.OneLinePerTick("Error: no buffer", "after")

		out := suite.wait(src, expect.Not(expect.Literal("Error")))

		suite.False(out.Found)
		suite.Equal(expect.ReasonPresent, out.Reason)
		suite.Equal(expect.Transcript{"Error: no buffer", "after"}, out.Transcript)
		suite.Equal(timeout, out.Elapsed)
	})
}

func (suite *EngineTestSuite) TestTransportFailurePropagates() {
	// GOAL: a dead transport is an error, never a silent non-match
	//
	// TEST SCENARIO: source fails on tick 2 → Wait returns ErrTransport wrapping the cause → partial transcript kept
	cause := errors.New("device disconnected")
	src := testutils.OneLinePerTick("foo", "bar").FailOn(2, cause)

	out, err := suite.engine.Wait(context.Background(), src, expect.All(expect.Literal("Connected")))

	suite.Require().Error(err)
	suite.ErrorIs(err, expect.ErrTransport)
	suite.ErrorIs(err, cause)
	suite.Require().NotNil(out)
	suite.False(out.Found)
	suite.Equal(expect.Transcript{"foo"}, out.Transcript)
	suite.Equal(int64(1), suite.engine.Metrics().TransportFailures)
}

func (suite *EngineTestSuite) TestAllModeIsOrderIndependent() {
	// GOAL: ALL succeeds regardless of the order in which the patterns' lines arrive
	//
	// TEST SCENARIO: same two lines in both orders → found=true both times
	set := expect.All(expect.Literal("Connected"), expect.Literal("Security changed"))

	for _, lines := range [][]string{
		{"Connected: AA", "noise", "Security changed: AA level 2"},
		{"Security changed: AA level 2", "noise", "Connected: AA"},
	} {
		out := suite.wait(testutils.OneLinePerTick(lines...), set)
		suite.True(out.Found, "lines %v", lines)
		suite.Len(out.Transcript, 3)
	}
}

func (suite *EngineTestSuite) TestAnyModeStopsAtFirstMatch() {
	// GOAL: ANY returns on the first matching line and leaves the rest of the batch unread
	//
	// TEST SCENARIO: one batch with a match in the middle → transcript ends at the match → remainder in Unread
	src := testutils.NewScriptedSource([]string{"a", "OK 1", "b", "FAIL"})

	out := suite.wait(src, expect.Any(expect.Literal("FAIL"), expect.Literal("OK")))

	suite.True(out.Found)
	suite.Equal(expect.Transcript{"a", "OK 1"}, out.Transcript)
	suite.Equal([]string{"b", "FAIL"}, out.Unread)
	suite.False(out.Expectations[0].Satisfied)
	suite.True(out.Expectations[1].Satisfied)
	suite.Equal(1, out.Expectations[1].MatchIndex)
}

func (suite *EngineTestSuite) TestOneLineSatisfiesSeveralExpectations() {
	// GOAL: each expectation is marked independently even when the same line satisfies several
	//
	// TEST SCENARIO: one line matches a literal and a regexp → both satisfied at index 0 after one poll
	src := testutils.OneLinePerTick("Connected: AA:BB:CC:DD:EE:FF (public)")
	set := expect.All(expect.Literal("Connected"), expect.MustRegexp(`([0-9A-F]{2}:?){6}\s\((\w+)\)`))

	out := suite.wait(src, set)

	suite.True(out.Found)
	suite.Equal(1, out.Polls)
	for _, e := range out.Expectations {
		suite.True(e.Satisfied)
		suite.Equal(0, e.MatchIndex)
	}
}

func (suite *EngineTestSuite) TestMatchOnLastPollBeforeDeadline() {
	// GOAL: a line drained exactly at the deadline still counts
	//
	// TEST SCENARIO: three empty polls then the match at t=timeout → found=true
	src := testutils.NewScriptedSource(nil, nil, nil, []string{"Connected"})

	out := suite.wait(src, expect.All(expect.Literal("Connected")))

	suite.True(out.Found)
	suite.Equal(timeout, out.Elapsed)
	suite.Equal(4, out.Polls)
}

func (suite *EngineTestSuite) TestIdempotentAcrossEngines() {
	// GOAL: identical input and expectations produce identical results on separate engines
	//
	// TEST SCENARIO: same script into two fresh engines → equal found and transcript
	lines := []string{"boot", "Bluetooth initialized", "Connected: AA", "Disconnected: AA"}
	set := expect.All(expect.Literal("initialized"), expect.Literal("Disconnected"))

	run := func() *expect.Outcome {
		e := expect.NewEngine(&expect.Options{PollInterval: poll, Timeout: timeout, Clock: testutils.NewManualClock()})
		out, err := e.Wait(context.Background(), testutils.OneLinePerTick(lines...), set)
		suite.Require().NoError(err)
		return out
	}

	first, second := run(), run()
	suite.Equal(first.Found, second.Found)
	suite.Equal(first.Transcript, second.Transcript)
	suite.Equal(first.Expectations, second.Expectations)
}

func (suite *EngineTestSuite) TestInitialLines() {
	suite.Run("SatisfiedWithoutPolling", func() {
		suite.SetupTest()
		src := testutils.NewScriptedSource()

		out := suite.wait(src, expect.All(expect.Literal("done")),
			expect.WithInitialLines([]string{"uart:~$ br pscan on", "connectable done", "tail"}))

		suite.True(out.Found)
		suite.Equal(0, out.Polls)
		suite.Equal(0, src.Drains())
		suite.Equal([]string{"tail"}, out.Unread)
	})

	suite.Run("ContinuesPolling", func() {
		suite.SetupTest()
		src := testutils.OneLinePerTick("b")

		out := suite.wait(src, expect.All(expect.Literal("a"), expect.Literal("b")),
			expect.WithInitialLines([]string{"a"}))

		suite.True(out.Found)
		suite.Equal(expect.Transcript{"a", "b"}, out.Transcript)
	})
}

func (suite *EngineTestSuite) TestWaitOptions() {
	suite.Run("WithinZeroDrainsOnce", func() {
		suite.SetupTest()
		src := testutils.NewScriptedSource(nil, []string{"late"})

		out := suite.wait(src, expect.All(expect.Literal("late")), expect.Within(0))

		suite.False(out.Found)
		suite.Equal(1, out.Polls)
		suite.Empty(suite.helper.Clock.Sleeps())
	})

	suite.Run("PollEveryAndWithin", func() {
		suite.SetupTest()
		src := testutils.NewScriptedSource()

		out := suite.wait(src, expect.All(expect.Literal("never")),
			expect.Within(time.Second), expect.PollEvery(300*time.Millisecond))

		suite.False(out.Found)
		suite.Equal(time.Second, out.Elapsed)
		suite.Equal([]time.Duration{
			300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond, 100 * time.Millisecond,
		}, suite.helper.Clock.Sleeps())
	})
}

func (suite *EngineTestSuite) TestInvalidInput() {
	src := testutils.OneLinePerTick("x")

	_, err := suite.engine.Wait(context.Background(), src, expect.All())
	suite.ErrorIs(err, expect.ErrInvalidSet)

	_, err = suite.engine.Wait(context.Background(), src, expect.Not(nil))
	suite.ErrorIs(err, expect.ErrInvalidSet)

	_, err = suite.engine.Wait(context.Background(), nil, expect.All(expect.Literal("x")))
	suite.ErrorIs(err, expect.ErrInvalidSet)

	suite.Equal(0, src.Drains(), "configuration errors fail before the first poll")
}

func (suite *EngineTestSuite) TestCancellation() {
	// GOAL: context cancellation is reported distinctly from a timeout
	//
	// TEST SCENARIO: cancel during the first drain → Wait returns context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := testutils.NewScriptedSource().OnDrain(func(int) { cancel() })

	out, err := suite.engine.Wait(ctx, src, expect.All(expect.Literal("x")))

	suite.ErrorIs(err, context.Canceled)
	suite.NotErrorIs(err, expect.ErrTransport)
	suite.Require().NotNil(out)
	suite.False(out.Found)
}

func (suite *EngineTestSuite) TestMetrics() {
	suite.wait(testutils.OneLinePerTick("ok"), expect.All(expect.Literal("ok")))
	suite.wait(testutils.NewScriptedSource(), expect.All(expect.Literal("ok")))

	m := suite.engine.Metrics()
	suite.Equal(int64(2), m.Waits)
	suite.Equal(int64(1), m.Matched)
	suite.Equal(int64(1), m.TimedOut)
	suite.Equal(int64(1), m.Lines)
}

func (suite *EngineTestSuite) TestTranscriptHelpers() {
	tr := expect.Transcript{"Retransmission I-frame 1", "data", "Retransmission I-frame 2"}

	suite.Equal(2, tr.Count("Retransmission I-frame"))
	suite.True(tr.Contains("data"))
	suite.Equal(-1, tr.Index("missing"))
	suite.Equal([]string{"Retransmission I-frame 2"}, tr.Match(expect.MustRegexp(`frame 2$`)))
	suite.Equal("Retransmission I-frame 1\ndata\nRetransmission I-frame 2", tr.String())
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestEvaluate(t *testing.T) {
	lines := []string{"uart:~$ br iscan on", "discoverable done", "tail"}

	out, err := expect.Evaluate(expect.All(expect.Literal("discoverable done")), lines)
	if assert.NoError(t, err) {
		assert.True(t, out.Found)
		assert.Equal(t, expect.ReasonMatched, out.Reason)
		assert.Equal(t, []string{"tail"}, out.Unread)
		assert.Equal(t, 0, out.Polls)
	}

	out, err = expect.Evaluate(expect.All(expect.Literal("connectable done")), lines)
	if assert.NoError(t, err) {
		assert.False(t, out.Found)
		assert.Equal(t, expect.ReasonNotFound, out.Reason)
		assert.Len(t, out.Transcript, 3)
	}

	out, err = expect.Evaluate(expect.Not(expect.Literal("Error")), lines)
	if assert.NoError(t, err) {
		assert.True(t, out.Found)
		assert.Equal(t, expect.ReasonAbsent, out.Reason)
	}

	_, err = expect.Evaluate(expect.Any(), lines)
	assert.ErrorIs(t, err, expect.ErrInvalidSet)
}
