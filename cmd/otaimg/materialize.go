package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tier4/otaimg/internal/codec"
	"github.com/tier4/otaimg/internal/metafile"
)

// hasZstdSuffix reports whether mediaType names the "+zstd" variant of a
// sqlite3 metafile (spec.md §6's file/resource table media types).
func hasZstdSuffix(mediaType string) bool {
	return strings.HasSuffix(mediaType, "+zstd")
}

// materializeBlob streams desc's blob out of src into a fresh temp file,
// transparently decompressing a "+zstd" media type, and returns the temp
// path. Callers of resourcetable.Open/filetable.Open need a real file
// path since both wrap database/sql, so metafile blobs that are SQLite
// databases must land on disk before they can be opened.
func materializeBlob(src imageSource, desc metafile.Descriptor, pattern string) (string, error) {
	rc, err := src.BlobReader(desc.Digest)
	if err != nil {
		return "", fmt.Errorf("open blob %s: %w", desc.Digest, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	if hasZstdSuffix(desc.MediaType) {
		dec, err := codec.NewDecompressor()
		if err != nil {
			_ = os.Remove(tmp.Name())
			return "", err
		}
		defer dec.Close()
		if _, err := dec.DecompressStream(tmp, rc); err != nil {
			_ = os.Remove(tmp.Name())
			return "", fmt.Errorf("decompress blob %s: %w", desc.Digest, err)
		}
		return tmp.Name(), nil
	}

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("copy blob %s: %w", desc.Digest, err)
	}
	return tmp.Name(), nil
}
