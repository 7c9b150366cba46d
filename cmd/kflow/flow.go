package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/ingest/kafka"
	"github.com/birdayz/kflow/kdag"
)

type flowOptions struct {
	file       string
	workspace  string
	optimize   string
	subprocess bool
	partial    bool
}

func (f *flowOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "flow.yml", "flow definition")
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "root of persistent stage state, overrides the file")
	cmd.Flags().StringVar(&f.optimize, "optimize", "", "none, ignore_gateway or full, overrides the file")
	cmd.Flags().BoolVar(&f.subprocess, "subprocess", false, "run every unit as a kflow pea process")
	cmd.Flags().BoolVar(&f.partial, "partial", false, "keep running when some replicas fail to start")
}

func (f *flowOptions) load(root *rootOptions) (*kflow.Flow, error) {
	opts := []kflow.Option{kflow.WithLog(root.log), kflow.WithPartial(f.partial)}
	if f.workspace != "" {
		opts = append(opts, kflow.WithWorkspace(f.workspace))
	}
	if f.optimize != "" {
		level, err := kdag.ParseOptimizeLevel(f.optimize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kflow.WithOptimize(level))
	}
	if f.subprocess {
		opts = append(opts, kflow.WithSubprocesses(""))
	}
	return kflow.LoadConfig(f.file, opts...)
}

type ingestOptions struct {
	brokers []string
	topics  []string
	group   string
	rate    float64
	burst   int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		fo flowOptions
		ing ingestOptions
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a flow and serve it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fo.load(root)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return f.Run(ctx, func(ctx context.Context, f *kflow.Flow) error {
				addr, err := f.GatewayAddr()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "gateway %s\n", addr)

				if len(ing.topics) == 0 {
					<-ctx.Done()
					return nil
				}
				return ingest(ctx, root, f, ing)
			})
		},
	}
	fo.register(cmd)
	cmd.Flags().StringSliceVar(&ing.brokers, "kafka-brokers", []string{"localhost:9092"}, "Kafka brokers to ingest from")
	cmd.Flags().StringSliceVar(&ing.topics, "kafka-topics", nil, "Kafka topics whose records are indexed")
	cmd.Flags().StringVar(&ing.group, "kafka-group", "kflow", "Kafka consumer group")
	cmd.Flags().Float64Var(&ing.rate, "rate", 0, "maximum documents indexed per second, 0 for no limit")
	cmd.Flags().IntVar(&ing.burst, "burst", 100, "maximum documents per index call when rate limited")
	return cmd
}

func ingest(ctx context.Context, root *rootOptions, f *kflow.Flow, o ingestOptions) error {
	opts := []kafka.Option{
		kafka.WithBrokers(o.brokers...),
		kafka.WithTopics(o.topics...),
		kafka.WithGroup(o.group),
		kafka.WithLog(root.log.With("component", "ingest")),
	}
	if o.rate > 0 {
		opts = append(opts, kafka.WithRate(o.rate, o.burst))
	}
	c, err := kafka.New(kafka.FlowIndexer(f), opts...)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func newDryRunCmd(root *rootOptions) *cobra.Command {
	var (
		fo      flowOptions
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dryrun",
		Short: "Build a flow, probe every unit and close it again",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fo.load(root)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			err = f.Run(ctx, func(ctx context.Context, f *kflow.Flow) error {
				statuses, err := f.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd, statuses)
				return f.DryRun(ctx)
			})
			var dre *kflow.DryRunError
			if errors.As(err, &dre) {
				return &exitError{code: 1, err: err}
			}
			return err
		},
	}
	fo.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "bound for building and probing")
	return cmd
}

func printStatus(cmd *cobra.Command, statuses []kflow.UnitStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tROLE\tSTATE\tCONTROL\tDATA")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Role, s.State, s.Control, s.Data)
	}
	_ = w.Flush()
}

func newDumpCmd(root *rootOptions) *cobra.Command {
	var (
		fo   flowOptions
		plan bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print a flow in its normalized form",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fo.load(root)
			if err != nil {
				return err
			}
			if plan {
				p, err := f.Plan()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "UNIT\tSTAGE\tROLE\tWORKSPACE")
				for _, u := range p.Units() {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.Name, u.Stage, u.Role, u.Workspace)
				}
				return w.Flush()
			}
			return kdag.Dump(cmd.OutOrStdout(), f.Graph(), f.Settings())
		},
	}
	fo.register(cmd)
	cmd.Flags().BoolVar(&plan, "plan", false, "print the compiled units instead")
	return cmd
}
