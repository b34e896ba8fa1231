package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tier4/otaimg/internal/artifact"
	"github.com/tier4/otaimg/internal/blobstore"
	"github.com/tier4/otaimg/internal/digest"
)

// imageSource abstracts reading an OTA image regardless of whether the
// caller named an extracted directory or a ZIP artifact (spec.md §6:
// "<path> accepts either... the implementation selects automatically").
type imageSource interface {
	IndexBytes() ([]byte, error)
	JWTString() (string, bool, error)
	BlobReader(d digest.Digest) (io.ReadCloser, error)
	Close() error
}

// openImageSource inspects path and returns the matching imageSource.
func openImageSource(path string) (imageSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return newDirSource(path), nil
	}
	return newZipSource(path)
}

// dirSource reads an already-extracted image layout.
type dirSource struct {
	root  string
	blobs *blobstore.Store
}

func newDirSource(root string) *dirSource {
	return &dirSource{root: root, blobs: &blobstore.Store{Dir: root}}
}

func (s *dirSource) IndexBytes() ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, artifact.IndexPath))
}

func (s *dirSource) JWTString() (string, bool, error) {
	b, err := os.ReadFile(filepath.Join(s.root, artifact.JWTPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(b), true, nil
}

func (s *dirSource) BlobReader(d digest.Digest) (io.ReadCloser, error) {
	return s.blobs.Stream(d)
}

func (s *dirSource) Close() error { return nil }

// zipSource reads a ZIP artifact via internal/artifact.Reader.
type zipSource struct {
	f *os.File
	r *artifact.Reader
}

func newZipSource(path string) (*zipSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat artifact %s: %w", path, err)
	}
	r, err := artifact.OpenReader(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &zipSource{f: f, r: r}, nil
}

func (s *zipSource) IndexBytes() ([]byte, error) {
	rc, err := s.r.Index()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *zipSource) JWTString() (string, bool, error) {
	if !s.r.HasJWT() {
		return "", false, nil
	}
	rc, err := s.r.JWT()
	if err != nil {
		return "", false, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *zipSource) BlobReader(d digest.Digest) (io.ReadCloser, error) {
	return s.r.Blob(d.Hex())
}

func (s *zipSource) Close() error { return s.f.Close() }
