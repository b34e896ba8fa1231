package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/metafile"
)

func newInspectIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-index <path>",
		Short: "Print an image's index JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectIndex(cmd, args[0])
		},
	}
	return cmd
}

func runInspectIndex(cmd *cobra.Command, path string) error {
	src, err := openImageSource(path)
	if err != nil {
		return err
	}
	defer src.Close()

	raw, err := src.IndexBytes()
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	idx, err := metafile.ParseImageIndex(raw)
	if err != nil {
		return err
	}
	pretty, err := idx.ToJSONBytes()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}
