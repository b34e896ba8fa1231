package main

import (
	"fmt"
	"io"
	"os"

	"github.com/tier4/otaimg/internal/blobstore"
	"github.com/tier4/otaimg/internal/codec"
	"github.com/tier4/otaimg/internal/reconstruct"
	"github.com/tier4/otaimg/internal/resourcefilter"
)

// defaultReadSize is used when the caller leaves readSize unset (<=0).
const defaultReadSize = 32 * 1024

// blobstoreFetcher implements reconstruct.Fetcher against a local
// blobstore.Store, the upstream the CLI always reads from: the image
// root's blobs/sha256 directory.
type blobstoreFetcher struct {
	store    *blobstore.Store
	readSize int
}

func (f *blobstoreFetcher) bufSize() int {
	if f.readSize <= 0 {
		return defaultReadSize
	}
	return f.readSize
}

func (f *blobstoreFetcher) Fetch(info reconstruct.DownloadInfo) error {
	if info.CompressionAlg != "" {
		return f.fetchDecompress(info)
	}
	return f.fetchPlain(info)
}

func (f *blobstoreFetcher) fetchPlain(info reconstruct.DownloadInfo) error {
	src, err := f.store.Stream(info.Digest)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(info.SaveDst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", info.SaveDst, err)
	}
	defer out.Close()

	if _, err := io.CopyBuffer(out, src, make([]byte, f.bufSize())); err != nil {
		return fmt.Errorf("copy blob %s: %w", info.Digest, err)
	}
	return nil
}

func (f *blobstoreFetcher) fetchDecompress(info reconstruct.DownloadInfo) error {
	if info.CompressionAlg != resourcefilter.CompressionAlgZstd {
		return fmt.Errorf("blobfetcher: unsupported compression algorithm %q", info.CompressionAlg)
	}
	src, err := f.store.Stream(info.CompressedOriginDigest)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(info.SaveDst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", info.SaveDst, err)
	}
	defer out.Close()

	dec, err := codec.NewDecompressor()
	if err != nil {
		return err
	}
	defer dec.Close()

	if _, err := dec.DecompressStream(out, src); err != nil {
		return fmt.Errorf("decompress blob %s: %w", info.CompressedOriginDigest, err)
	}
	return nil
}
