package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brhil/internal/bench"
	"github.com/srg/brhil/internal/groutine"
	"github.com/srg/brhil/pkg/config"
)

// setup loads the configuration named by --config and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true
	return cfg, logger, nil
}

// onlyBoard narrows cfg to one board and no peer, for single-board commands.
func onlyBoard(cfg *config.Config, name string) (*config.Config, error) {
	b, ok := cfg.Board(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", bench.ErrUnknownBoard, name)
	}
	narrowed := *cfg
	narrowed.Boards = []config.Board{b}
	narrowed.Peer.Enabled = false
	return &narrowed, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	groutine.Go(ctx, "signal-handler", func(ctx context.Context) {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	})
	return ctx, cancel
}
