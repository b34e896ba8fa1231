package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/metafile"
	"github.com/tier4/otaimg/internal/otaconfig"
)

type lookupImageOptions struct {
	ecuID       string
	releaseKey  string
	imageConfig bool
}

func newLookupImageCmd() *cobra.Command {
	opts := &lookupImageOptions{}

	cmd := &cobra.Command{
		Use:   "lookup-image <path>",
		Short: "Look up a single image manifest by ECU id and release key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookupImage(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.ecuID, "ecu-id", "", "ECU identifier (required)")
	cmd.Flags().StringVar(&opts.releaseKey, "release-key", "", "dev or prd (default prd)")
	cmd.Flags().BoolVar(&opts.imageConfig, "image-config", false, "Print the image's config instead of its manifest")
	_ = cmd.MarkFlagRequired("ecu-id")

	return cmd
}

func readBlobBytes(src imageSource, desc metafile.Descriptor) ([]byte, error) {
	rc, err := src.BlobReader(desc.Digest)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", desc.Digest, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func runLookupImage(cmd *cobra.Command, path string, opts *lookupImageOptions) error {
	if err := otaconfig.ValidateECUID(opts.ecuID); err != nil {
		return err
	}
	releaseKey, err := otaconfig.ParseReleaseKey(opts.releaseKey)
	if err != nil {
		return err
	}

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

	desc, _, err := idx.FindImage(metafile.ImageIdentifier{ECUID: opts.ecuID, ReleaseKey: releaseKey})
	if err != nil {
		return err
	}

	manifestBytes, err := readBlobBytes(src, desc)
	if err != nil {
		return err
	}
	manifest, err := metafile.ParseImageManifest(manifestBytes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !opts.imageConfig {
		printed, err := manifest.ToJSONBytes()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(printed))
		return nil
	}

	configBytes, err := readBlobBytes(src, manifest.Config)
	if err != nil {
		return err
	}
	config, err := metafile.ParseImageConfig(configBytes)
	if err != nil {
		return err
	}
	printed, err := config.ToJSONBytes()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(printed))
	return nil
}
