package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/luascript"
	"github.com/srg/brhil/internal/peer"
	"github.com/srg/brhil/internal/scenario"
	"github.com/srg/brhil/internal/shell"
	"github.com/srg/brhil/pkg/config"
	"github.com/stretchr/testify/suite"
)

type CommandTestSuite struct {
	suite.Suite
	noColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.noColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	color.NoColor = s.noColor
}

func (s *CommandTestSuite) TestEmbeddedSmokeScenario() {
	// GOAL: the built-in scenario run without arguments is valid
	//
	// TEST SCENARIO: load with no paths → smoke scenario parsed with its steps
	scenarios, err := loadScenarios(nil)
	s.Require().NoError(err)
	s.Require().Len(scenarios, 1)
	s.Equal("smoke", scenarios[0].Name)
	s.Equal("builtin:smoke", scenarios[0].Path)
	s.Len(scenarios[0].Steps, 4)
}

func (s *CommandTestSuite) TestLoadScenarios_Missing() {
	_, err := loadScenarios([]string{"does/not/exist.yaml"})
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "file not found")
}

func (s *CommandTestSuite) TestExpectation() {
	lit := `"Bluetooth initialized"`
	cases := []struct {
		name    string
		specs   []string
		anyMode bool
		absent  bool
		want    string
		wantErr bool
	}{
		{name: "none", want: ""},
		{name: "all", specs: []string{"Bluetooth initialized"}, want: lit},
		{name: "any", specs: []string{"a", "b"}, anyMode: true, want: `any of: "a", "b"`},
		{name: "absent", specs: []string{"x"}, absent: true, want: `NOT("x")`},
		{name: "absent needs one", specs: []string{"x", "y"}, absent: true, wantErr: true},
		{name: "flags without patterns", anyMode: true, wantErr: true},
		{name: "bad regexp", specs: []string{"re:("}, wantErr: true},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			set, err := expectation(tc.specs, tc.anyMode, tc.absent)
			if tc.wantErr {
				s.Error(err)
				return
			}
			s.Require().NoError(err)
			if tc.want == "" {
				s.Nil(set)
				return
			}
			s.Equal(tc.want, set.String())
		})
	}
}

func (s *CommandTestSuite) TestFormatUserError() {
	assertion := &shell.AssertionError{
		Shell:    "dut",
		Command:  "bt init",
		Expected: `"Bluetooth initialized"`,
		Reason:   expect.ReasonTimedOut,
	}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"assertion in step", &scenario.StepError{Scenario: "s", Index: 1, Step: "init", Err: assertion},
			`dut: "bt init" did not produce "Bluetooth initialized" (timed out)`},
		{"watch assertion", &shell.AssertionError{Shell: "dut", Expected: `NOT("x")`, Reason: expect.ReasonPresent},
			`dut: expected NOT("x") (present)`},
		{"script syntax", &luascript.ScriptError{Type: luascript.TypeSyntax, Message: "oops", Line: 2, Source: "s"},
			"Lua syntax error (in s, line 2): oops"},
		{"unknown board", fmt.Errorf("%w: %q", bench.ErrUnknownBoard, "tester"),
			`unknown board: "tester" (check the boards section of the config)`},
		{"not discovered", fmt.Errorf("%w: 00:1A:7D:DA:71:13 after 30s", peer.ErrNotDiscovered),
			"DUT not found by discovery: 00:1A:7D:DA:71:13 after 30s (is the DUT discoverable? raise peer.discovery_timeout if it is slow to answer)"},
		{"no peer", bench.ErrNoPeer, "this needs the simulated peer: set peer.enabled in the config"},
		{"plain", errors.New("boom"), "boom"},
		{"nil", nil, ""},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.Equal(tc.want, FormatUserError(tc.err))
		})
	}
}

func (s *CommandTestSuite) TestPrintResults() {
	// GOAL: the summary names every scenario and shows the failing step's transcript
	//
	// TEST SCENARIO: pass + fail + skip → one line each, transcript indented, counts at the end
	failure := &scenario.StepError{Scenario: "b", Index: 1, Step: "send", Err: errors.New("boom")}
	results := []*scenario.Result{
		{Name: "a", Passed: true, Duration: 1500 * time.Millisecond},
		{Name: "b", Err: failure, Steps: []scenario.StepResult{
			{Index: 1, Name: "send", Transcript: []string{"uart:~$ l2cap_br send 0 x", "err"}},
		}},
		{Name: "c", Skipped: true, SkipReason: "needs SSP"},
	}
	var buf bytes.Buffer
	failed := printResults(&buf, results)
	s.Equal(1, failed)
	s.Equal(`PASS a (1.5s)
FAIL b: scenario "b" step 1 (send): boom
    | uart:~$ l2cap_br send 0 x
    | err
SKIP c: needs SSP

3 scenarios, 1 failed
`, buf.String())
}

func (s *CommandTestSuite) TestOnlyBoard() {
	cfg := config.DefaultConfig()
	cfg.Boards = []config.Board{{Name: "dut"}, {Name: "tester"}}
	cfg.Peer.Enabled = true

	narrowed, err := onlyBoard(cfg, "tester")
	s.Require().NoError(err)
	s.Len(narrowed.Boards, 1)
	s.Equal("tester", narrowed.Boards[0].Name)
	s.False(narrowed.Peer.Enabled)
	s.True(cfg.Peer.Enabled, "original config untouched")

	_, err = onlyBoard(cfg, "nope")
	s.ErrorIs(err, bench.ErrUnknownBoard)
}

func (s *CommandTestSuite) TestConfigureLogger() {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "x"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().Bool("verbose", false, "")
		s.Require().NoError(cmd.Flags().Parse(args))
		return cmd
	}
	cfg := config.DefaultConfig()
	cfg.LogLevel = logrus.WarnLevel

	logger, err := configureLogger(newCmd(), cfg)
	s.Require().NoError(err)
	s.Equal(logrus.WarnLevel, logger.GetLevel())

	logger, err = configureLogger(newCmd("--verbose"), cfg)
	s.Require().NoError(err)
	s.Equal(logrus.DebugLevel, logger.GetLevel())

	logger, err = configureLogger(newCmd("--verbose", "--log-level", "error"), cfg)
	s.Require().NoError(err)
	s.Equal(logrus.ErrorLevel, logger.GetLevel())

	_, err = configureLogger(newCmd("--log-level", "loud"), cfg)
	s.ErrorContains(err, "invalid log level")
}

func (s *CommandTestSuite) TestProgressPrinter() {
	// GOAL: the status line shows the current phase and is cleared on stop
	//
	// TEST SCENARIO: no phase → nothing; phase set → line redrawn; Stop twice → one clear
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf)

	p.print()
	s.Empty(buf.String())

	p.SetPhase("smoke: step 1 (bt init)")
	p.print()
	s.Equal(clearLineSequence+"smoke: step 1 (bt init) (0s)", buf.String())

	buf.Reset()
	p.Stop()
	p.Stop()
	s.Equal(clearLineSequence, buf.String())
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
