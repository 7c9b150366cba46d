package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/birdayz/kflow/kprobe"
)

func newPingCmd(root *rootOptions) *cobra.Command {
	var (
		timeoutMS     int
		retries       int
		printResponse bool
	)
	cmd := &cobra.Command{
		Use:   "ping HOST PORT",
		Short: "Probe the control address of a unit, exit 0 if it is READY or SERVING",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			addr := net.JoinHostPort(args[0], strconv.Itoa(port))
			timeout := time.Duration(timeoutMS) * time.Millisecond

			r := kprobe.Default.Retry(cmd.Context(), addr, timeout, retries, timeout)
			if printResponse && r.Reachable {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(r.Status); err != nil {
					return err
				}
			}
			if !r.OK() {
				root.log.Warn("Ping failed", "addr", addr, "error", r.Err, "latency", r.Latency)
				return &exitError{code: 1, err: fmt.Errorf("ping %s: %w", addr, r.Err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", r)
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutMS, "timeout", int(kprobe.DefaultTimeout/time.Millisecond), "timeout of one attempt in milliseconds")
	cmd.Flags().IntVar(&retries, "retries", 3, "number of attempts")
	cmd.Flags().BoolVar(&printResponse, "print-response", false, "print the unit's status")
	return cmd
}
