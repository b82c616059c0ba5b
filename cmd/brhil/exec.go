package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/shell"
)

var execCmd = &cobra.Command{
	Use:   "exec --board <name> [--expect <pattern>]... <command...>",
	Short: "Send one shell command to a board and check its response",
	Long: `Sends a command to one board and prints the lines it produced. With --expect the
command succeeds only if every pattern shows up within --timeout (--any: one of them).

Patterns are substrings; prefix with "re:" for a regular expression.

Example:
  brhil exec --board dut --expect "Bluetooth initialized" bt init
  brhil exec --board dut --expect "re:L2CAP psm \d+ registered" l2cap_br register 1001 base`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var (
	execBoard   string
	execExpect  []string
	execAny     bool
	execAbsent  bool
	execTimeout time.Duration
	execNoWait  bool
)

func init() {
	execCmd.Flags().StringVarP(&execBoard, "board", "b", "", "Board to send to")
	execCmd.Flags().StringArrayVarP(&execExpect, "expect", "e", nil, "Pattern the response must contain (repeatable)")
	execCmd.Flags().BoolVar(&execAny, "any", false, "Succeed when any --expect pattern matches")
	execCmd.Flags().BoolVar(&execAbsent, "absent", false, "Succeed only if the single --expect pattern never shows up")
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "Wait budget (default: config default_timeout)")
	execCmd.Flags().BoolVar(&execNoWait, "no-wait", false, "Check only the lines returned immediately")
	_ = execCmd.MarkFlagRequired("board")
}

// expectation turns the pattern flags into a set; nil when no pattern was given.
func expectation(specs []string, anyMode, absent bool) (*expect.Set, error) {
	if len(specs) == 0 {
		if absent || anyMode {
			return nil, fmt.Errorf("%w: --any and --absent need at least one pattern", expect.ErrInvalidSet)
		}
		return nil, nil
	}
	patterns, err := expect.ParseAll(specs...)
	if err != nil {
		return nil, err
	}
	var set *expect.Set
	switch {
	case absent:
		if len(patterns) != 1 || anyMode {
			return nil, fmt.Errorf("%w: --absent takes exactly one pattern", expect.ErrInvalidSet)
		}
		set = expect.Not(patterns[0])
	case anyMode:
		set = expect.Any(patterns...)
	default:
		set = expect.All(patterns...)
	}
	return set, set.Validate()
}

func runExec(cmd *cobra.Command, args []string) error {
	set, err := expectation(execExpect, execAny, execAbsent)
	if err != nil {
		return err
	}
	if execNoWait && set == nil {
		return fmt.Errorf("%w: --no-wait needs --expect", expect.ErrInvalidSet)
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cfg, err = onlyBoard(cfg, execBoard)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	b, err := bench.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Failed to close bench")
		}
	}()
	brd, err := b.Board(execBoard)
	if err != nil {
		return err
	}

	var opts []shell.Option
	if set != nil {
		opts = append(opts, shell.ExpectSet(set))
	}
	if execTimeout > 0 {
		opts = append(opts, shell.Within(execTimeout))
	}
	if execNoWait {
		opts = append(opts, shell.NoWait())
	}

	lines, err := brd.Exec(ctx, strings.Join(args, " "), opts...)
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return err
}
