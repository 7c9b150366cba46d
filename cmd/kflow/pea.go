package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/birdayz/kflow/internal/runtime"
)

func newPeaCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "pea",
		Short:  "Host one runtime unit, reading its JSON config on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runtime.RunSubprocess(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), runtime.WithLogger(root.log))
		},
	}
}
