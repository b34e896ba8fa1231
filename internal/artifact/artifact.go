// Package artifact implements the single-file shippable image container
// (spec.md §4.2): a strict, reproducible subset of ZIP — every member
// STORED, fixed permissions and timestamp, and a pinned member order so
// byte-identical inputs always produce a byte-identical archive.
//
// No example repo in the retrieval pack links a third-party ZIP library;
// the standard library's archive/zip already gives byte-for-byte control
// over method, mode, and mtime per entry, which is all this format needs,
// so this is the one component built directly on it (see DESIGN.md).
package artifact

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tier4/otaimg/internal/otaerr"
)

// IndexPath, JWTPath, and BlobPath are the fixed layout paths spec.md §6
// pins inside every artifact.
const (
	IndexPath     = "index.json"
	JWTPath       = "index.jwt"
	OCILayoutPath = "oci-layout"
	blobsPrefix   = "blobs/sha256/"
)

// FilePerm and DirPerm are the fixed permission bits every member carries,
// regardless of how the source content was produced.
const (
	FilePerm = 0o644
	DirPerm  = 0o755
)

// fixedModTime is the timestamp constant spec.md §6 requires on every
// member, making the archive reproducible independent of wall-clock time.
var fixedModTime = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// BlobPath returns the in-archive path for the blob named by hex digest.
func BlobPath(hexDigest string) string {
	return blobsPrefix + hexDigest
}

// ociLayoutBytes returns the canonical oci-layout member content, built
// from the real OCI image-spec type rather than a hand-written literal.
func ociLayoutBytes() ([]byte, error) {
	b, err := json.Marshal(ociv1.ImageLayout{Version: ociv1.ImageLayoutVersion})
	if err != nil {
		return nil, fmt.Errorf("marshal oci-layout: %w", err)
	}
	return b, nil
}

// AddOCILayout queues the fixed oci-layout member every artifact carries
// (spec.md §6).
func (w *Writer) AddOCILayout() error {
	b, err := ociLayoutBytes()
	if err != nil {
		return err
	}
	return w.AddBytes(OCILayoutPath, b)
}

// openFunc lazily opens a member's content; Writer defers the open until
// it is that member's turn to be streamed, so large blobs are never held
// in memory all at once.
type openFunc func() (io.ReadCloser, error)

type pendingEntry struct {
	path string
	open openFunc
}

// Writer accumulates members and, on Close, streams them into a ZIP file
// in the fixed order spec.md §4.2 mandates.
type Writer struct {
	dst         io.Writer
	entries     []pendingEntry
	seen        map[string]bool
	dirsWritten map[string]bool
}

// NewWriter returns a Writer that will stream its archive to dst once
// Close is called.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, seen: map[string]bool{}}
}

// AddBytes queues in-memory content at archivePath.
func (w *Writer) AddBytes(archivePath string, content []byte) error {
	return w.AddReader(archivePath, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(string(content))), nil
	})
}

// AddReader queues a member whose content is produced by open, called
// only once, at write time, in the order Close determines.
func (w *Writer) AddReader(archivePath string, open openFunc) error {
	archivePath = path.Clean(archivePath)
	if w.seen[archivePath] {
		return fmt.Errorf("artifact: duplicate member %q", archivePath)
	}
	w.seen[archivePath] = true
	w.entries = append(w.entries, pendingEntry{path: archivePath, open: open})
	return nil
}

// Close writes every queued member in the fixed order and finalizes the
// ZIP central directory.
func (w *Writer) Close() error {
	zw := zip.NewWriter(w.dst)

	for _, e := range orderEntries(w.entries) {
		if err := w.writeDirs(zw, e.path); err != nil {
			return err
		}
		if err := writeEntry(zw, e); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

// writeDirs emits a member for each parent directory of filePath not yet
// emitted by this Writer, recording them in w.dirsWritten.
func (w *Writer) writeDirs(zw *zip.Writer, filePath string) error {
	if w.dirsWritten == nil {
		w.dirsWritten = map[string]bool{}
	}
	dir := path.Dir(filePath)
	if dir == "." {
		return nil
	}
	var dirs []string
	for d := dir; d != "."; d = path.Dir(d) {
		dirs = append([]string{d}, dirs...)
	}
	for _, d := range dirs {
		if w.dirsWritten[d] {
			continue
		}
		w.dirsWritten[d] = true
		hdr := &zip.FileHeader{Name: d + "/", Method: zip.Store}
		hdr.SetMode(DirPerm)
		hdr.Modified = fixedModTime
		if _, err := zw.CreateHeader(hdr); err != nil {
			return fmt.Errorf("write directory member %s: %w", d, err)
		}
	}
	return nil
}

func writeEntry(zw *zip.Writer, e pendingEntry) error {
	rc, err := e.open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", e.path, err)
	}
	defer func() { _ = rc.Close() }()

	hdr := &zip.FileHeader{Name: e.path, Method: zip.Store}
	hdr.SetMode(FilePerm)
	hdr.Modified = fixedModTime
	out, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create member %s: %w", e.path, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write member %s: %w", e.path, err)
	}
	return nil
}

// orderEntries sorts members per spec.md §4.2 rule 4: index.json first,
// index.jwt second, remaining top-level files lexicographic, then
// subdirectories lexicographic with their own contents recursively
// ordered the same way (files before nested directories at every level).
func orderEntries(entries []pendingEntry) []pendingEntry {
	byPath := make(map[string]pendingEntry, len(entries))
	var rest []string
	var haveIndex, haveJWT bool
	for _, e := range entries {
		byPath[e.path] = e
		switch e.path {
		case IndexPath:
			haveIndex = true
		case JWTPath:
			haveJWT = true
		default:
			rest = append(rest, e.path)
		}
	}

	ordered := make([]pendingEntry, 0, len(entries))
	if haveIndex {
		ordered = append(ordered, byPath[IndexPath])
	}
	if haveJWT {
		ordered = append(ordered, byPath[JWTPath])
	}
	for _, p := range sortedTreeOrder(rest) {
		ordered = append(ordered, byPath[p])
	}
	return ordered
}

// sortedTreeOrder returns paths ordered depth-first: at every directory
// level, plain files sort lexicographically before nested directories,
// whose own contents are ordered the same way.
func sortedTreeOrder(paths []string) []string {
	type dirNode struct {
		files []string
		dirs  map[string][]string // immediate dir name -> paths still under it, without the dir prefix
	}
	root := &dirNode{dirs: map[string][]string{}}

	for _, p := range paths {
		parts := strings.SplitN(p, "/", 2)
		if len(parts) == 1 {
			root.files = append(root.files, p)
			continue
		}
		root.dirs[parts[0]] = append(root.dirs[parts[0]], parts[1])
	}

	sort.Strings(root.files)
	var dirNames []string
	for d := range root.dirs {
		dirNames = append(dirNames, d)
	}
	sort.Strings(dirNames)

	out := append([]string{}, root.files...)
	for _, d := range dirNames {
		for _, sub := range sortedTreeOrder(root.dirs[d]) {
			out = append(out, d+"/"+sub)
		}
	}
	return out
}

// Reader provides random-access reads over an already-built artifact.
// Per spec.md §4.2 it is not safe to share across goroutines; a worker
// pool must open one Reader per worker.
type Reader struct {
	zr *zip.Reader
}

// OpenReader opens an artifact backed by ra, validating that it contains
// index.json.
func OpenReader(ra io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	r := &Reader{zr: zr}
	if _, err := r.Index(); err != nil {
		return nil, err
	}
	return r, nil
}

// Index opens index.json for streaming.
func (r *Reader) Index() (io.ReadCloser, error) {
	return r.open(IndexPath)
}

// JWT opens index.jwt, if present.
func (r *Reader) JWT() (io.ReadCloser, error) {
	return r.open(JWTPath)
}

// HasJWT reports whether the artifact carries a signed index.
func (r *Reader) HasJWT() bool {
	_, err := r.zr.Open(JWTPath)
	return err == nil
}

// Blob opens the blob named by hexDigest for streaming.
func (r *Reader) Blob(hexDigest string) (io.ReadCloser, error) {
	return r.open(BlobPath(hexDigest))
}

func (r *Reader) open(archivePath string) (io.ReadCloser, error) {
	f, err := r.zr.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open artifact member %s: %w", archivePath, otaerr.NotFound)
	}
	return f, nil
}
