// Package blobstore implements the content-addressed object store (spec.md
// §4.1): a flat directory of immutable blobs named by their SHA-256 hex
// digest, written via a temp-then-rename ceremony so partial blobs are
// never visible to readers.
package blobstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tier4/otaimg/internal/codec"
	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"
)

// BlobsSubdir is the layout-relative directory holding all blobs.
const BlobsSubdir = "blobs/sha256"

// BlobInfo describes a blob that was just written: its content digest and
// the size of what is actually on disk (which, for a zstd-compressed
// write, is the compressed size, not the original).
type BlobInfo struct {
	Digest digest.Digest
	Size   int64
}

// Store is a content-addressed blob directory rooted at Dir.
type Store struct {
	// Dir is the root of the on-disk layout (contains blobs/sha256/ and tmp/).
	Dir string
}

// New returns a Store rooted at dir, creating the blobs and tmp
// subdirectories if absent.
func New(dir string) (*Store, error) {
	s := &Store{Dir: dir}
	for _, sub := range []string{s.blobsDir(), s.tmpDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) blobsDir() string { return filepath.Join(s.Dir, BlobsSubdir) }
func (s *Store) tmpDir() string   { return filepath.Join(s.Dir, "tmp") }

// Path returns the on-disk path for the blob named by d. The file is not
// guaranteed to exist; callers that need existence should use Get.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.blobsDir(), d.Hex())
}

// tempFile creates a new file under tmp/ with a random name, for the
// write-then-rename discipline used by every mutating operation.
func (s *Store) tempFile() (*os.File, error) {
	var nameBuf [16]byte
	if _, err := rand.Read(nameBuf[:]); err != nil {
		return nil, fmt.Errorf("generate temp name: %w", err)
	}
	path := filepath.Join(s.tmpDir(), hex.EncodeToString(nameBuf[:]))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// commit hashes the temp file's contents, renames it into place under its
// digest, and returns BlobInfo. Concurrent commits of identical content are
// safe: the final rename is idempotent (last writer wins, same bytes).
func (s *Store) commit(tmp *os.File) (BlobInfo, error) {
	tmpPath := tmp.Name()
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return BlobInfo{}, fmt.Errorf("seek temp file: %w", err)
	}

	d, size, err := digest.FromReader(tmp)
	closeErr := tmp.Close()
	if err != nil {
		_ = os.Remove(tmpPath)
		return BlobInfo{}, fmt.Errorf("hash temp file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return BlobInfo{}, fmt.Errorf("close temp file: %w", closeErr)
	}

	dst := s.Path(d)
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return BlobInfo{}, fmt.Errorf("rename into place: %w", err)
	}
	return BlobInfo{Digest: d, Size: size}, nil
}

// PutBytes writes content to the store and returns its BlobInfo.
func (s *Store) PutBytes(content []byte) (BlobInfo, error) {
	tmp, err := s.tempFile()
	if err != nil {
		return BlobInfo{}, err
	}
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return BlobInfo{}, fmt.Errorf("write temp file: %w", err)
	}
	return s.commit(tmp)
}

// PutFileOptions controls PutFile's streaming behavior.
type PutFileOptions struct {
	// RemoveOrigin deletes src after a successful write.
	RemoveOrigin bool
	// CompressZstd streams src through a zstd encoder before hashing and
	// storing; the returned BlobInfo's digest and size describe the
	// compressed bytes, not src's original content.
	CompressZstd bool
}

// PutFile streams the file at src into the store.
func (s *Store) PutFile(src string, opts PutFileOptions) (BlobInfo, error) {
	in, err := os.Open(src)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := s.tempFile()
	if err != nil {
		return BlobInfo{}, err
	}

	if opts.CompressZstd {
		if _, err := codec.CompressStream(tmp, in); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return BlobInfo{}, err
		}
	} else {
		if _, err := io.Copy(tmp, in); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return BlobInfo{}, fmt.Errorf("copy source file: %w", err)
		}
	}

	info, err := s.commit(tmp)
	if err != nil {
		return BlobInfo{}, err
	}

	if opts.RemoveOrigin {
		if err := os.Remove(src); err != nil {
			return info, fmt.Errorf("remove origin %s: %w", src, err)
		}
	}
	return info, nil
}

// Get returns the on-disk path of the blob named by d, failing with
// otaerr.NotFound if it does not exist.
func (s *Store) Get(d digest.Digest) (string, error) {
	path := s.Path(d)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("blob %s: %w", d, otaerr.NotFound)
		}
		return "", fmt.Errorf("stat blob %s: %w", d, err)
	}
	return path, nil
}

// ReadAll reads the full contents of the blob named by d.
func (s *Store) ReadAll(d digest.Digest) ([]byte, error) {
	path, err := s.Get(d)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	return b, nil
}

// Stream opens the blob named by d for reading. The caller must Close it.
func (s *Store) Stream(d digest.Digest) (io.ReadCloser, error) {
	path, err := s.Get(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", d, err)
	}
	return f, nil
}

// Export copies the blob named by d to dst. If autoDecompress is true and
// mediaType ends in "+zstd", the blob is streamed through a zstd decoder
// first so dst holds the original, uncompressed content.
func (s *Store) Export(d digest.Digest, dst string, mediaType string, autoDecompress bool) (string, error) {
	src, err := s.Stream(d)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create export destination: %w", err)
	}
	defer func() { _ = out.Close() }()

	if autoDecompress && hasZstdSuffix(mediaType) {
		dec, err := codec.NewDecompressor()
		if err != nil {
			return "", err
		}
		defer dec.Close()
		if _, err := dec.DecompressStream(out, src); err != nil {
			return "", err
		}
		return dst, nil
	}

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("export blob %s: %w", d, err)
	}
	return dst, nil
}

func hasZstdSuffix(mediaType string) bool {
	const suffix = "+zstd"
	return len(mediaType) >= len(suffix) && mediaType[len(mediaType)-len(suffix):] == suffix
}

// Remove unlinks the blob named by d. Absence is tolerated silently.
func (s *Store) Remove(d digest.Digest) error {
	if err := os.Remove(s.Path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", d, err)
	}
	return nil
}
