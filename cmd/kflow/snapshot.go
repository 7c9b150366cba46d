package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/kstate/objstore"
)

type bucketOptions struct {
	endpoint string
	bucket   string
	prefix   string
	secure   bool
	region   string
}

func (b *bucketOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&b.endpoint, "endpoint", "localhost:9000", "S3 endpoint host:port")
	cmd.Flags().StringVar(&b.bucket, "bucket", "kflow", "bucket holding snapshots")
	cmd.Flags().StringVar(&b.prefix, "prefix", "", "key prefix of the snapshot")
	cmd.Flags().BoolVar(&b.secure, "secure", false, "use TLS")
	cmd.Flags().StringVar(&b.region, "region", "", "bucket region")
	_ = cmd.MarkFlagRequired("prefix")
}

// open connects to the bucket. Keys come from KFLOW_S3_ACCESS_KEY and
// KFLOW_S3_SECRET_KEY, or the AWS environment when unset.
func (b *bucketOptions) open(root *rootOptions) (*objstore.Bucket, error) {
	opts := []objstore.Option{
		objstore.WithSecure(b.secure),
		objstore.WithRegion(b.region),
		objstore.WithLog(root.log),
	}
	if key := os.Getenv("KFLOW_S3_ACCESS_KEY"); key != "" {
		opts = append(opts, objstore.WithCredentials(key, os.Getenv("KFLOW_S3_SECRET_KEY")))
	}
	return objstore.New(b.endpoint, b.bucket, opts...)
}

func printManifest(cmd *cobra.Command, m *kstate.Manifest) {
	for _, e := range m.Entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d files\t%d bytes\n", e.Namespace, e.Files, e.Bytes)
	}
}

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	var (
		fo flowOptions
		bo bucketOptions
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Copy the workspace of a stopped flow to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fo.load(root)
			if err != nil {
				return err
			}
			if f.Settings().Workspace == "" {
				return kflow.ErrNoWorkspace
			}
			b, err := bo.open(root)
			if err != nil {
				return err
			}
			if err := b.Ensure(cmd.Context()); err != nil {
				return err
			}
			m, err := f.Snapshot(cmd.Context(), b, bo.prefix)
			if err != nil {
				return err
			}
			printManifest(cmd, m)
			return nil
		},
	}
	fo.register(cmd)
	bo.register(cmd)
	return cmd
}

func newRestoreCmd(root *rootOptions) *cobra.Command {
	var (
		fo flowOptions
		bo bucketOptions
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Fill an empty workspace from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fo.load(root)
			if err != nil {
				return err
			}
			if f.Settings().Workspace == "" {
				return kflow.ErrNoWorkspace
			}
			b, err := bo.open(root)
			if err != nil {
				return err
			}
			m, err := f.Restore(cmd.Context(), b, bo.prefix)
			if err != nil {
				return err
			}
			printManifest(cmd, m)
			return nil
		},
	}
	fo.register(cmd)
	bo.register(cmd)
	return cmd
}
