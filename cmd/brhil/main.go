package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "brhil",
	Short: "Bluetooth BR/EDR hardware-in-the-loop test harness",
	Long: `Drives Zephyr shell boards over serial or PTY consoles and checks their output
against expectations with bounded waits:

- Run YAML scenarios across several boards and an optional BlueZ peer
- Send one command and verify the response
- Watch a console for patterns, or for their absence

Intended for CI benches where the same scenario must behave the same every run.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, ErrScenariosFailed) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR:"), FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.PersistentFlags().String("config", "brhil.yaml", "Bench configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Debug logging")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
