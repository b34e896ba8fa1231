package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/filetable"
	"github.com/tier4/otaimg/internal/metafile"
	"github.com/tier4/otaimg/internal/otaconfig"
	"github.com/tier4/otaimg/internal/progressio"
	"github.com/tier4/otaimg/internal/reconstruct"
	"github.com/tier4/otaimg/internal/resourcetable"
	"github.com/tier4/otaimg/internal/rootfsdeploy"
	"github.com/tier4/otaimg/internal/semaphore"
)

type deployImageOptions struct {
	image      string
	ecuID      string
	releaseKey string
	rootfsDir  string
	tmpDir     string
	workers    int
	concurrent int
	readSize   string
}

func newDeployImageCmd() *cobra.Command {
	opts := &deployImageOptions{workers: 1, concurrent: 1, readSize: "8MiB"}

	cmd := &cobra.Command{
		Use:   "deploy-image",
		Short: "Reconstruct an image's resources and materialize a rootfs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeployImage(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.image, "image", "", "Path to the extracted image directory; ZIP artifacts are rejected (required)")
	cmd.Flags().StringVar(&opts.ecuID, "ecu-id", "", "ECU identifier (required)")
	cmd.Flags().StringVar(&opts.releaseKey, "release-key", "", "dev or prd (default prd)")
	cmd.Flags().StringVar(&opts.rootfsDir, "rootfs-dir", "", "Destination rootfs directory (required)")
	cmd.Flags().StringVar(&opts.tmpDir, "tmp-dir", "", "Staging directory for reconstructed resources (default: a temp dir under the system temp dir, removed afterwards)")
	cmd.Flags().IntVar(&opts.workers, "workers", opts.workers, "Concurrent rootfs-deploy workers")
	cmd.Flags().IntVar(&opts.concurrent, "concurrent", opts.concurrent, "Concurrent pending rootfs-deploy submissions")
	cmd.Flags().StringVar(&opts.readSize, "read-size", opts.readSize, "Read buffer size for blob copies (e.g. 1MiB)")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("ecu-id")
	_ = cmd.MarkFlagRequired("rootfs-dir")

	return cmd
}

func runDeployImage(cmd *cobra.Command, opts *deployImageOptions) error {
	if err := otaconfig.ValidateECUID(opts.ecuID); err != nil {
		return err
	}
	releaseKey, err := otaconfig.ParseReleaseKey(opts.releaseKey)
	if err != nil {
		return err
	}
	readSize, err := otaconfig.ParseSize(opts.readSize)
	if err != nil {
		return fmt.Errorf("invalid --read-size: %w", err)
	}

	src, err := openImageSource(opts.image)
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

	manifestDesc, _, err := idx.FindImage(metafile.ImageIdentifier{ECUID: opts.ecuID, ReleaseKey: releaseKey})
	if err != nil {
		return err
	}
	manifestBytes, err := readBlobBytes(src, manifestDesc)
	if err != nil {
		return err
	}
	manifest, err := metafile.ParseImageManifest(manifestBytes)
	if err != nil {
		return err
	}

	ftDesc, err := manifest.FileTable()
	if err != nil {
		return err
	}
	rtDesc, err := idx.ResourceTable()
	if err != nil {
		return err
	}

	ftPath, err := materializeBlob(src, ftDesc, "otaimg-ft-*.sqlite3")
	if err != nil {
		return err
	}
	defer os.Remove(ftPath)
	rtPath, err := materializeBlob(src, rtDesc, "otaimg-rt-*.sqlite3")
	if err != nil {
		return err
	}
	defer os.Remove(rtPath)

	ft, err := filetable.Open(ftPath)
	if err != nil {
		return err
	}
	defer ft.Close()
	rt, err := resourcetable.Open(rtPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	tmpDir := opts.tmpDir
	if tmpDir == "" {
		dir, err := os.MkdirTemp("", "otaimg-reconstruct-*")
		if err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
		defer os.RemoveAll(dir)
		tmpDir = dir
	} else if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir %s: %w", tmpDir, err)
	}

	dirSrc, ok := src.(*dirSource)
	if !ok {
		return fmt.Errorf("deploy-image: --image must name an extracted directory, not a ZIP artifact")
	}
	fetcher := &blobstoreFetcher{store: dirSrc.blobs, readSize: int(readSize)}

	engine := reconstruct.New(rt, tmpDir)
	if err := engine.ScanDownloadDir(); err != nil {
		return err
	}

	if err := reconstructAllRegulars(ft, engine, fetcher, opts.workers); err != nil {
		return err
	}

	deployer := rootfsdeploy.New(ft, tmpDir, opts.rootfsDir, opts.workers, opts.concurrent)
	return deployer.Deploy()
}

// reconstructAllRegulars walks every non-inlined regular file's resource
// digest and ensures it is reconstructed into the engine's staging
// directory, fanning out across workers goroutines; reconstruction of
// distinct digests is safe to run concurrently (spec.md §4.5: bundle
// coordination is the only cross-digest shared state, and it is itself
// mutex-guarded).
func reconstructAllRegulars(ft *filetable.Table, engine *reconstruct.Engine, fetcher reconstruct.Fetcher, workers int) error {
	seen := map[digest.Digest]bool{}
	var digests []digest.Digest
	if err := ft.IterRegulars(func(r filetable.Regular) error {
		if r.Inlined() || seen[r.Digest] {
			return nil
		}
		seen[r.Digest] = true
		digests = append(digests, r.Digest)
		return nil
	}); err != nil {
		return err
	}

	bar := progressio.New(true, int64(len(digests)))
	sem := semaphore.New(otaconfig.WorkerCount(workers))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, d := range digests {
		sem.Acquire()
		wg.Add(1)
		go func(d digest.Digest) {
			defer wg.Done()
			defer sem.Release()
			if _, err := engine.Reconstruct(d, fetcher); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			bar.Add(1)
		}(d)
	}
	wg.Wait()
	bar.Finish(reconstructSummary(len(digests)))
	return firstErr
}

type reconstructSummary int

func (n reconstructSummary) String() string {
	return fmt.Sprintf("reconstructed %d resources", int(n))
}
