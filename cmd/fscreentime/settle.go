package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fscreentime/internal/app"
	"fscreentime/internal/config"
)

func newSettleCmd() *cobra.Command {
	var noPush bool

	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Run one settlement pass and the retry sweep",
		Long: `Runs one settlement pass over active goals followed by the retry sweep
over charge_failed goals, then prints the counts as JSON.

Meant to be invoked hourly by an external scheduler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return settle(ctx, cmd.OutOrStdout(), !noPush)
		},
	}

	cmd.Flags().BoolVar(&noPush, "no-push", false, "do not push metrics to the Pushgateway")
	return cmd
}

func settle(ctx context.Context, out io.Writer, pushMetrics bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	l := app.NewLogger(cfg)
	defer l.Sync()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Errorw("Failed to initialise", "error", err)
		return err
	}
	defer a.Close()

	report, runErr := a.Engine.Run(ctx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if pushMetrics {
		if err := a.PushMetrics(ctx); err != nil {
			l.Warnw("Metrics push failed", "error", err)
		}
	}
	return runErr
}
