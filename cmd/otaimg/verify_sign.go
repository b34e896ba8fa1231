package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/indexsign"
	"github.com/tier4/otaimg/internal/otaerr"
)

type verifySignOptions struct {
	caDir string
}

func newVerifySignCmd() *cobra.Command {
	opts := &verifySignOptions{}

	cmd := &cobra.Command{
		Use:   "verify-sign <image-root>",
		Short: "Verify an image's signed index against a CA trust store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifySign(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.caDir, "ca-dir", "", "Directory of trusted CA certificates in PEM form (required)")
	_ = cmd.MarkFlagRequired("ca-dir")

	return cmd
}

func runVerifySign(cmd *cobra.Command, imageRoot string, opts *verifySignOptions) error {
	src, err := openImageSource(imageRoot)
	if err != nil {
		return err
	}
	defer src.Close()

	indexBytes, err := src.IndexBytes()
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	jwt, present, err := src.JWTString()
	if err != nil {
		return fmt.Errorf("read index.jwt: %w", err)
	}
	if !present {
		return fmt.Errorf("verify-sign: image has no index.jwt: %w", otaerr.NotFound)
	}

	localDigest := digest.FromBytes(indexBytes)

	ts, err := indexsign.LoadTrustStore(opts.caDir)
	if err != nil {
		return err
	}

	claims, err := indexsign.Verify(jwt, ts, localDigest)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK: signed at %d, index digest %s\n", claims.IAT, claims.ImageIndex.Digest)
	return nil
}
