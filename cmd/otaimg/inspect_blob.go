package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/digest"
)

type inspectBlobOptions struct {
	checksum string
	output   string
	bytes    bool
}

func newInspectBlobCmd() *cobra.Command {
	opts := &inspectBlobOptions{}

	cmd := &cobra.Command{
		Use:   "inspect-blob <path>",
		Short: "Print or export a single blob's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectBlob(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.checksum, "checksum", "", "Blob digest, sha256:<hex> (required)")
	cmd.Flags().StringVar(&opts.output, "output", "", "Write blob content to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.bytes, "bytes", false, "Print the blob's size in bytes instead of its content")
	_ = cmd.MarkFlagRequired("checksum")

	return cmd
}

func runInspectBlob(cmd *cobra.Command, path string, opts *inspectBlobOptions) error {
	d, err := digest.Parse(opts.checksum)
	if err != nil {
		return err
	}

	src, err := openImageSource(path)
	if err != nil {
		return err
	}
	defer src.Close()

	rc, err := src.BlobReader(d)
	if err != nil {
		return fmt.Errorf("open blob %s: %w", d, err)
	}
	defer rc.Close()

	if opts.bytes {
		n, err := io.Copy(io.Discard, rc)
		if err != nil {
			return fmt.Errorf("read blob %s: %w", d, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	}

	out := cmd.OutOrStdout()
	if opts.output != "" {
		f, err := os.OpenFile(opts.output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.output, err)
		}
		defer f.Close()
		out = f
	}

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write blob %s: %w", d, err)
	}
	return nil
}
