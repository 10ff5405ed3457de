package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fscreentime",
		Short: "Screen time commitment settlement",
		Long: `fscreentime settles weekly screen time goals.

Configuration is read from config.yaml (., ./config or $HOME/.fscreentime),
.env and the environment, e.g. STRIPE_SECRETKEY or STORAGE_BACKEND.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCmd(), newSettleCmd())
	return cmd
}
