// Command kflow runs document pipelines described in YAML, hosts single
// runtime units for process-based flows and probes running units.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	klog "github.com/birdayz/kflow/pkg/log"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

type rootOptions struct {
	logLevel string
	log      *slog.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kflow",
		Short:         "Run and inspect distributed document pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := klog.ParseLevel(o.logLevel)
			if err != nil {
				return err
			}
			o.log = slog.New(klog.NewHandler(cmd.ErrOrStderr(), level))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newRunCmd(o),
		newDryRunCmd(o),
		newDumpCmd(o),
		newPeaCmd(o),
		newPingCmd(o),
		newSnapshotCmd(o),
		newRestoreCmd(o),
	)
	return cmd
}
