package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brhil"
	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/luascript"
	"github.com/srg/brhil/internal/report"
	"github.com/srg/brhil/internal/scenario"
	"golang.org/x/term"
)

var runCmd = &cobra.Command{
	Use:   "run [scenario.yaml...]",
	Short: "Run test scenarios against the bench",
	Long: `Opens every board in the configuration (and the BlueZ peer when peer.enabled is set),
then runs the given scenarios in order. Each scenario stops at its first failing step;
later scenarios still run.

Without arguments the built-in smoke scenario runs against the first board.

Example:
  brhil run --config bench.yaml scenarios/l2cap.yaml
  brhil run --report out/report.json scenarios/*.yaml`,
	RunE: runRun,
}

var runReport string

func init() {
	runCmd.Flags().StringVar(&runReport, "report", "", "Write a JSON report to this file")
}

func loadScenarios(paths []string) ([]*scenario.Scenario, error) {
	if len(paths) == 0 {
		sc, err := scenario.Parse(brhil.SmokeScenario)
		if err != nil {
			return nil, err
		}
		sc.Path = "builtin:smoke"
		return []*scenario.Scenario{sc}, nil
	}
	scenarios := make([]*scenario.Scenario, 0, len(paths))
	for _, p := range paths {
		sc, err := scenario.Load(p)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	// Parse scenarios before touching hardware
	scenarios, err := loadScenarios(args)
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
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

	opts := []scenario.RunnerOption{
		scenario.WithScripts(luascript.New(b, luascript.WithOutput(cmd.OutOrStdout()))),
	}
	var progress *ProgressPrinter
	if term.IsTerminal(int(os.Stderr.Fd())) && !logger.IsLevelEnabled(logrus.DebugLevel) {
		progress = NewProgressPrinter(os.Stderr)
		opts = append(opts, scenario.WithStepHook(func(sc *scenario.Scenario, index int, st scenario.Step) {
			progress.SetPhase(fmt.Sprintf("%s: step %d (%s)", sc.Name, index, st.Label()))
		}))
		progress.Start()
	}

	started := time.Now()
	results := scenario.NewRunner(b, opts...).RunAll(ctx, scenarios)
	elapsed := time.Since(started)
	if progress != nil {
		progress.Stop()
	}

	failed := printResults(cmd.OutOrStdout(), results)

	if runReport != "" {
		if err := report.New(started, elapsed, results).WriteFile(runReport); err != nil {
			return err
		}
		logger.WithField("file", runReport).Info("Report written")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return ErrScenariosFailed
	}
	return nil
}

// printResults writes one line per scenario plus the transcript of each failing step.
// It returns the number of failed scenarios.
func printResults(w io.Writer, results []*scenario.Result) int {
	pass := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()
	skip := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	failed := 0
	for _, res := range results {
		switch {
		case res.Skipped:
			fmt.Fprintf(w, "%s %s: %s\n", skip("SKIP"), res.Name, res.SkipReason)
		case res.Passed:
			fmt.Fprintf(w, "%s %s %s\n", pass("PASS"), res.Name, dim(fmt.Sprintf("(%s)", res.Duration.Round(time.Millisecond))))
		default:
			failed++
			fmt.Fprintf(w, "%s %s: %s\n", fail("FAIL"), res.Name, FormatUserError(res.Err))
			if st, ok := res.Failed(); ok {
				for _, line := range st.Transcript {
					fmt.Fprintf(w, "    %s\n", dim("| "+line))
				}
			}
		}
	}
	fmt.Fprintf(w, "\n%d scenarios, %d failed\n", len(results), failed)
	return failed
}
