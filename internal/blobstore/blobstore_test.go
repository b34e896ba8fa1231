package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"

	"errors"
)

func TestPutBytesFilenameMatchesDigest(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info, err := s.PutBytes([]byte("hello\nworld\n"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	path := s.Path(info.Digest)
	if filepath.Base(path) != info.Digest.Hex() {
		t.Fatalf("blob filename %q != digest hex %q", filepath.Base(path), info.Digest.Hex())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if err := digest.Verify(bytes.NewReader(content), info.Digest); err != nil {
		t.Fatalf("blob content does not hash to its filename: %v", err)
	}
}

func TestPutBytesIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := s.PutBytes([]byte("same content"))
	if err != nil {
		t.Fatalf("PutBytes first: %v", err)
	}
	second, err := s.PutBytes([]byte("same content"))
	if err != nil {
		t.Fatalf("PutBytes second: %v", err)
	}
	if !first.Digest.Equal(second.Digest) {
		t.Fatalf("digests differ: %s vs %s", first.Digest, second.Digest)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	missing := digest.FromBytes([]byte("never written"))
	_, err = s.Get(missing)
	if !errors.Is(err, otaerr.NotFound) {
		t.Fatalf("expected otaerr.NotFound, got %v", err)
	}
}

func TestRemoveToleratesAbsence(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	missing := digest.FromBytes([]byte("never written"))
	if err := s.Remove(missing); err != nil {
		t.Fatalf("Remove of absent blob should be a no-op, got %v", err)
	}
}

func TestPutFileCompressZstdThenExportAutoDecompress(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := filepath.Join(dir, "source.bin")
	content := bytes.Repeat([]byte("payload"), 10_000)
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	info, err := s.PutFile(src, PutFileOptions{CompressZstd: true})
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	// The blob's digest must be the hash of what is actually on disk
	// (compressed bytes), not the original content.
	onDisk, err := os.ReadFile(s.Path(info.Digest))
	if err != nil {
		t.Fatalf("read stored blob: %v", err)
	}
	if digest.FromBytes(onDisk) != info.Digest {
		t.Fatal("stored blob digest mismatch")
	}
	if bytes.Equal(onDisk, content) {
		t.Fatal("stored blob should be compressed, not equal to original content")
	}

	dst := filepath.Join(dir, "exported.bin")
	if _, err := s.Export(info.Digest, dst, "application/x+zstd", true); err != nil {
		t.Fatalf("Export: %v", err)
	}
	exported, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read exported: %v", err)
	}
	if !bytes.Equal(exported, content) {
		t.Fatal("exported content does not match original after auto-decompress")
	}
}

func TestPutFileRemoveOrigin(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := filepath.Join(dir, "source.bin")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if _, err := s.PutFile(src, PutFileOptions{RemoveOrigin: true}); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("origin file should have been removed, stat err = %v", err)
	}
}
