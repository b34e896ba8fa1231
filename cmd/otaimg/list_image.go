package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/metafile"
)

func newListImageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-image <path>",
		Short: "Enumerate the manifests carried by an image index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListImage(cmd, args[0])
		},
	}
}

func runListImage(cmd *cobra.Command, path string) error {
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

	out := cmd.OutOrStdout()
	for _, d := range idx.Manifests {
		ecuID := d.Annotations[metafile.AnnotationKeyECUID]
		releaseKey := d.Annotations[metafile.AnnotationKeyReleaseKey]
		switch {
		case ecuID != "":
			fmt.Fprintf(out, "%s\timage\tecu=%s\trelease=%s\t%s\n", d.MediaType, ecuID, releaseKey, d.Digest)
		default:
			fmt.Fprintf(out, "%s\t%s\n", d.MediaType, d.Digest)
		}
	}
	return nil
}
