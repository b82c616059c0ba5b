package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/shell"
)

var watchCmd = &cobra.Command{
	Use:   "watch --board <name> <pattern...>",
	Short: "Wait for patterns on a board console without sending anything",
	Long: `Polls one board console (merged with the peer's event log when --with-peer is set)
until all patterns have been seen, any of them with --any, or the single pattern stayed
away for the whole window with --absent.

Example:
  brhil watch --board dut --timeout 30s "Channel 0 connected"
  brhil watch --board dut --absent --timeout 10s "to allocate buffer for SDU"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var (
	watchBoard    string
	watchAny      bool
	watchAbsent   bool
	watchTimeout  time.Duration
	watchWithPeer bool
)

func init() {
	watchCmd.Flags().StringVarP(&watchBoard, "board", "b", "", "Board to watch")
	watchCmd.Flags().BoolVar(&watchAny, "any", false, "Stop at the first pattern that matches")
	watchCmd.Flags().BoolVar(&watchAbsent, "absent", false, "Require the single pattern to stay away")
	watchCmd.Flags().DurationVarP(&watchTimeout, "timeout", "t", 0, "Wait budget (default: config default_timeout)")
	watchCmd.Flags().BoolVar(&watchWithPeer, "with-peer", false, "Also match against BlueZ peer events")
	_ = watchCmd.MarkFlagRequired("board")
}

func runWatch(cmd *cobra.Command, args []string) error {
	set, err := expectation(args, watchAny, watchAbsent)
	if err != nil {
		return err
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	peerEnabled := cfg.Peer.Enabled
	cfg, err = onlyBoard(cfg, watchBoard)
	if err != nil {
		return err
	}
	if watchWithPeer {
		if !peerEnabled {
			return bench.ErrNoPeer
		}
		cfg.Peer.Enabled = true
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

	var out *expect.Outcome
	if watchWithPeer {
		out, err = b.WaitWithPeer(ctx, watchBoard, set, watchTimeout)
	} else {
		brd, berr := b.Board(watchBoard)
		if berr != nil {
			return berr
		}
		var opts []shell.Option
		if watchTimeout > 0 {
			opts = append(opts, shell.Within(watchTimeout))
		}
		out, err = brd.Shell().Wait(ctx, set, opts...)
	}
	if out != nil {
		for _, line := range out.Transcript {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	if err != nil {
		return err
	}
	if !out.Found {
		return &shell.AssertionError{
			Shell:      watchBoard,
			Expected:   set.String(),
			Reason:     out.Reason,
			Transcript: out.Transcript,
		}
	}
	return nil
}
