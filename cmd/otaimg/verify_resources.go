package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaconfig"
)

type verifyResourcesOptions struct {
	checksums     []string
	workerThreads int
}

func newVerifyResourcesCmd() *cobra.Command {
	opts := &verifyResourcesOptions{workerThreads: 1}

	cmd := &cobra.Command{
		Use:   "verify-resources <image-root>",
		Short: "Verify that named blobs are present and hash correctly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyResources(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.checksums, "blob-checksum", nil, "sha256:<hex> checksum to verify (repeatable)")
	cmd.Flags().IntVar(&opts.workerThreads, "worker-threads", opts.workerThreads, "Number of concurrent verification workers")
	_ = cmd.MarkFlagRequired("blob-checksum")

	return cmd
}

func runVerifyResources(cmd *cobra.Command, imageRoot string, opts *verifyResourcesOptions) error {
	wants := make([]digest.Digest, len(opts.checksums))
	for i, s := range opts.checksums {
		d, err := digest.Parse(s)
		if err != nil {
			return err
		}
		wants[i] = d
	}

	jobs := make(chan digest.Digest, len(wants))
	for _, d := range wants {
		jobs <- d
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	// Artifact readers are not safe to share across goroutines (spec.md
	// §4.2), so each worker opens its own image source.
	workers := otaconfig.WorkerCount(opts.workerThreads)
	for i := 0; i < workers; i++ {
		src, err := openImageSource(imageRoot)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(src imageSource) {
			defer wg.Done()
			defer src.Close()
			for d := range jobs {
				if err := verifyOneResource(src, d); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}
		}(src)
	}
	wg.Wait()

	if len(failures) > 0 {
		return failures[0]
	}
	fmt.Fprintf(cmd.OutOrStdout(), "verified %d resources\n", len(wants))
	return nil
}

func verifyOneResource(src imageSource, d digest.Digest) error {
	rc, err := src.BlobReader(d)
	if err != nil {
		return fmt.Errorf("blob %s: %w", d, err)
	}
	defer rc.Close()
	return digest.Verify(rc, d)
}
