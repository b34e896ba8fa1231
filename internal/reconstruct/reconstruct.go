// Package reconstruct implements the reconstruction engine (spec.md
// §4.5, C8): it turns a resource table digest into bytes on disk,
// recursively fetching leaves and rebuilding derived resources, using
// the caller-supplied Fetcher to actually move bytes from some upstream
// store. The engine itself is transport-agnostic.
package reconstruct

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tier4/otaimg/internal/codec"
	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"
	"github.com/tier4/otaimg/internal/resourcefilter"
	"github.com/tier4/otaimg/internal/resourcetable"
)

// DownloadInfo describes a single blob the caller must place at SaveDst,
// spec.md §4.5's ResourceDownloadInfo. When CompressionAlg is set, the
// caller must decompress CompressedOriginDigest's bytes while streaming
// them into SaveDst, rather than writing the compressed bytes verbatim.
type DownloadInfo struct {
	Digest                 digest.Digest
	Size                   int64
	SaveDst                string
	CompressionAlg         string
	CompressedOriginDigest digest.Digest
	CompressedOriginSize   int64
}

// Fetcher obtains the blob named by info.Digest (or, when
// info.CompressionAlg is set, info.CompressedOriginDigest) from some
// upstream store and writes the requested logical bytes to info.SaveDst.
// The engine never inspects how; this is the "transport-agnostic" half
// of spec.md §4.5's contract.
type Fetcher interface {
	Fetch(info DownloadInfo) error
}

// bundleTimeoutIterations and bundleTimeoutInterval together give the
// documented ~18s hard timeout on waiting for a bundle build (spec.md
// §4.5).
const (
	bundleTimeoutIterations = 6
	bundleTimeoutInterval   = 3 * time.Second
)

type bundleCoord struct {
	mu       sync.Mutex
	building bool
	revision int
	ready    bool
}

// Engine reconstructs resource table entries into StagingDir.
type Engine struct {
	RT         *resourcetable.Table
	StagingDir string

	bundlesMu sync.Mutex
	bundles   map[int64]*bundleCoord
}

// New returns an Engine writing reconstructed content under stagingDir.
func New(rt *resourcetable.Table, stagingDir string) *Engine {
	return &Engine{RT: rt, StagingDir: stagingDir, bundles: map[int64]*bundleCoord{}}
}

func (e *Engine) coordFor(bundleResourceID int64) *bundleCoord {
	e.bundlesMu.Lock()
	defer e.bundlesMu.Unlock()
	bc, ok := e.bundles[bundleResourceID]
	if !ok {
		bc = &bundleCoord{}
		e.bundles[bundleResourceID] = bc
	}
	return bc
}

// leafPath returns the staging path for a leaf or fully-derived resource.
func (e *Engine) leafPath(d digest.Digest) string {
	return filepath.Join(e.StagingDir, d.Hex())
}

// slicePartPath returns the staging path for a slice referent fetched on
// behalf of consumingResourceID (spec.md §4.5 filename convention).
func (e *Engine) slicePartPath(d digest.Digest, consumingResourceID int64) string {
	return filepath.Join(e.StagingDir, d.Hex()+"_"+strconv.FormatInt(consumingResourceID, 10))
}

func (e *Engine) tempPath() string {
	return filepath.Join(e.StagingDir, "tmp."+hex.EncodeToString(randomSuffix()))
}

var randMu sync.Mutex
var randState uint64 = 1

// randomSuffix generates a short, non-cryptographic random suffix for
// temp filenames; collision-freedom only needs to hold within one
// staging directory's lifetime, not globally.
func randomSuffix() []byte {
	randMu.Lock()
	defer randMu.Unlock()
	randState = randState*6364136223846793005 + 1442695040888963407
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(randState >> (8 * i))
	}
	return buf
}

// renameInto verifies tmpPath hashes to want, then renames it to dst.
func renameInto(tmpPath, dst string, want digest.Digest) error {
	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("open reconstructed temp file: %w", err)
	}
	verifyErr := digest.Verify(f, want)
	_ = f.Close()
	if verifyErr != nil {
		_ = os.Remove(tmpPath)
		return verifyErr
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename reconstructed content into place: %w", err)
	}
	return nil
}

// validOnDisk reports whether the file at path already holds content
// hashing to want, so a previously reconstructed or resumed file can be
// reused without redownloading.
func validOnDisk(path string, want digest.Digest) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return digest.Verify(f, want) == nil
}

// Reconstruct ensures the content named by target is present in
// StagingDir, recursively fetching or rebuilding ancestors as needed,
// and returns its path.
func (e *Engine) Reconstruct(target digest.Digest, fetcher Fetcher) (string, error) {
	row, err := e.RT.GetByDigest(target)
	if err != nil {
		return "", err
	}
	return e.reconstructRow(row, fetcher)
}

func (e *Engine) reconstructRow(row resourcetable.Row, fetcher Fetcher) (string, error) {
	dst := e.leafPath(row.Digest)
	if validOnDisk(dst, row.Digest) {
		return dst, nil
	}

	if row.IsLeaf() {
		return e.fetchLeaf(row, dst, fetcher)
	}

	filter, err := row.Filter()
	if err != nil {
		return "", err
	}

	switch f := filter.(type) {
	case resourcefilter.Bundle:
		return e.reconstructBundle(row, f, dst, fetcher)
	case resourcefilter.Compress:
		return e.reconstructCompress(row, f, dst, fetcher)
	case resourcefilter.Slice:
		return e.reconstructSlice(row, f, dst, fetcher)
	default:
		return "", fmt.Errorf("reconstruct: unrecognized filter type %T", filter)
	}
}

func (e *Engine) fetchLeaf(row resourcetable.Row, dst string, fetcher Fetcher) (string, error) {
	tmp := e.tempPath()
	info := DownloadInfo{Digest: row.Digest, Size: row.Size, SaveDst: tmp}
	if err := fetcher.Fetch(info); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("fetch leaf %s: %w", row.Digest, err)
	}
	if err := renameInto(tmp, dst, row.Digest); err != nil {
		return "", err
	}
	return dst, nil
}

// reconstructBundle extracts [Offset, Offset+Len) from the bundle
// resource, guaranteeing at-most-one concurrent build per bundle
// (spec.md §4.5).
func (e *Engine) reconstructBundle(row resourcetable.Row, f resourcefilter.Bundle, dst string, fetcher Fetcher) (string, error) {
	bundleRow, err := e.RT.Get(f.BundleResourceID)
	if err != nil {
		return "", fmt.Errorf("look up bundle resource %d: %w", f.BundleResourceID, err)
	}

	bundlePath, preparedRevision, err := e.prepareBundle(f.BundleResourceID, bundleRow, fetcher)
	if err != nil {
		return "", fmt.Errorf("prepare bundle %d: %w: %w", f.BundleResourceID, err, otaerr.BundledRecreateFailed)
	}

	content, err := extractRange(bundlePath, f.Offset, f.Len)
	if err != nil {
		// Extraction failed against a bundle believed ready; give the
		// caller one retry against a freshly prepared bundle before
		// giving up, per spec.md §4.5's conditional-clear rule: the
		// ready flag is cleared only if no other consumer has rebuilt
		// the bundle since this one was handed out.
		bc := e.coordFor(f.BundleResourceID)
		bc.mu.Lock()
		if bc.revision == preparedRevision {
			bc.ready = false
		}
		bc.mu.Unlock()

		bundlePath, _, rerr := e.prepareBundle(f.BundleResourceID, bundleRow, fetcher)
		if rerr != nil {
			return "", fmt.Errorf("re-prepare bundle %d after extraction failure: %w: %w", f.BundleResourceID, rerr, otaerr.BundledRecreateFailed)
		}
		content, err = extractRange(bundlePath, f.Offset, f.Len)
		if err != nil {
			return "", fmt.Errorf("extract bundle range: %w: %w", err, otaerr.BundledRecreateFailed)
		}
	}

	tmp := e.tempPath()
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write extracted bundle range: %w", err)
	}
	if err := renameInto(tmp, dst, row.Digest); err != nil {
		return "", err
	}
	return dst, nil
}

func extractRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// prepareBundle ensures the bundle resource's reconstructed content is
// present on disk and returns its path and the coordinator's revision at
// the time readiness was observed. Exactly one caller at a time actually
// downloads/rebuilds the bundle; mu is only held long enough to claim or
// release that "building" status, never across the download itself, so a
// hung or slow Fetch cannot block every other waiter indefinitely.
// Losers take the non-blocking check, sleep, and retry until
// bundleTimeoutIterations is exhausted, guaranteeing a failing preparer
// never deadlocks the fleet.
func (e *Engine) prepareBundle(bundleResourceID int64, bundleRow resourcetable.Row, fetcher Fetcher) (string, int, error) {
	bc := e.coordFor(bundleResourceID)
	dst := e.leafPath(bundleRow.Digest)

	for i := 0; i < bundleTimeoutIterations; i++ {
		bc.mu.Lock()
		if bc.ready && validOnDisk(dst, bundleRow.Digest) {
			rev := bc.revision
			bc.mu.Unlock()
			return dst, rev, nil
		}
		if !bc.building {
			bc.building = true
			bc.mu.Unlock()

			path, err := e.reconstructRow(bundleRow, fetcher)

			bc.mu.Lock()
			bc.building = false
			if err != nil {
				bc.mu.Unlock()
				return "", 0, err
			}
			bc.ready = true
			bc.revision++
			rev := bc.revision
			bc.mu.Unlock()
			return path, rev, nil
		}
		bc.mu.Unlock()

		time.Sleep(bundleTimeoutInterval)
	}
	return "", 0, otaerr.BundleTimeout
}

// reconstructCompress decompresses a referent resource. If the referent
// is a leaf, the engine asks the fetcher to decompress on the fly,
// streaming straight into the destination rather than touching disk
// twice (spec.md §4.5).
func (e *Engine) reconstructCompress(row resourcetable.Row, f resourcefilter.Compress, dst string, fetcher Fetcher) (string, error) {
	referent, err := e.RT.Get(f.ResourceID)
	if err != nil {
		return "", fmt.Errorf("look up compress referent %d: %w", f.ResourceID, err)
	}

	tmp := e.tempPath()
	if referent.IsLeaf() {
		info := DownloadInfo{
			Digest:                 row.Digest,
			Size:                   row.Size,
			SaveDst:                tmp,
			CompressionAlg:         f.CompressionAlg,
			CompressedOriginDigest: referent.Digest,
			CompressedOriginSize:   referent.Size,
		}
		if err := fetcher.Fetch(info); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("fetch+decompress %s: %w: %w", row.Digest, err, otaerr.CompressedRecreateFailed)
		}
		if err := renameInto(tmp, dst, row.Digest); err != nil {
			return "", err
		}
		return dst, nil
	}

	referentPath, err := e.reconstructRow(referent, fetcher)
	if err != nil {
		return "", fmt.Errorf("reconstruct compress referent: %w: %w", err, otaerr.CompressedRecreateFailed)
	}
	src, err := os.Open(referentPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	dec, err := codec.NewDecompressor()
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	_, decErr := dec.DecompressStream(out, src)
	dec.Close()
	closeErr := out.Close()
	if decErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("decompress %s: %w: %w", row.Digest, decErr, otaerr.CompressedRecreateFailed)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return "", closeErr
	}
	if err := renameInto(tmp, dst, row.Digest); err != nil {
		return "", err
	}
	return dst, nil
}

// reconstructSlice concatenates leaf referents in order.
func (e *Engine) reconstructSlice(row resourcetable.Row, f resourcefilter.Slice, dst string, fetcher Fetcher) (string, error) {
	tmp := e.tempPath()
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	for _, id := range f.Slices {
		part, err := e.RT.Get(id)
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return "", fmt.Errorf("look up slice referent %d: %w", id, err)
		}
		if !part.IsLeaf() {
			_ = out.Close()
			_ = os.Remove(tmp)
			return "", fmt.Errorf("slice referent %d is not a leaf", id)
		}

		partDst := e.slicePartPath(part.Digest, row.ResourceID)
		if !validOnDisk(partDst, part.Digest) {
			partTmp := e.tempPath()
			info := DownloadInfo{Digest: part.Digest, Size: part.Size, SaveDst: partTmp}
			if err := fetcher.Fetch(info); err != nil {
				_ = out.Close()
				_ = os.Remove(tmp)
				return "", fmt.Errorf("fetch slice part %s: %w: %w", part.Digest, err, otaerr.SlicedRecreateFailed)
			}
			if err := renameInto(partTmp, partDst, part.Digest); err != nil {
				_ = out.Close()
				_ = os.Remove(tmp)
				return "", err
			}
		}

		in, err := os.Open(partDst)
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return "", err
		}
		_, copyErr := io.Copy(out, in)
		_ = in.Close()
		if copyErr != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return "", fmt.Errorf("concatenate slice part %s: %w: %w", part.Digest, copyErr, otaerr.SlicedRecreateFailed)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := renameInto(tmp, dst, row.Digest); err != nil {
		return "", err
	}
	return dst, nil
}

// ScanDownloadDir inspects an interrupted run's staging directory,
// removing files that cannot possibly be valid resumable state: names
// that are not a recognized hex-digest-based convention, leaves whose
// resource no longer exists in the resource table, and any file whose
// on-disk bytes do not hash to its filename's digest. Good partials are
// retained (spec.md §4.5).
func (e *Engine) ScanDownloadDir() error {
	entries, err := os.ReadDir(e.StagingDir)
	if err != nil {
		return fmt.Errorf("scan download dir: %w", err)
	}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		path := filepath.Join(e.StagingDir, name)

		if strings.HasPrefix(name, "tmp.") {
			_ = os.Remove(path)
			continue
		}

		hexPart := name
		if idx := strings.IndexByte(name, '_'); idx >= 0 {
			hexPart = name[:idx]
		}

		d, err := digest.FromHex(hexPart)
		if err != nil {
			_ = os.Remove(path)
			continue
		}

		if _, err := e.RT.GetByDigest(d); err != nil {
			_ = os.Remove(path)
			continue
		}

		if !validOnDisk(path, d) {
			_ = os.Remove(path)
		}
	}
	return nil
}
