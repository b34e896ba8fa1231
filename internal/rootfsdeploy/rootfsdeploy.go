// Package rootfsdeploy materializes a reconstructed image into a target
// rootfs directory (spec.md §4.6, C9): directories and non-regular
// entries are applied serially, then regular files are applied by a
// worker pool gated by a bounded semaphore, with a single dispatcher
// thread deciding hardlink-vs-copy classification up front so workers
// never race on it.
package rootfsdeploy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tier4/otaimg/internal/filetable"
	"github.com/tier4/otaimg/internal/otaerr"
	"github.com/tier4/otaimg/internal/semaphore"
)

// POSIX file-type bits carried in the raw st_mode values stored in the
// file table (original_source's file_table/utils.py classifies entries
// this way, via stat.S_ISLNK / stat.S_ISCHR).
const (
	modeTypeMask = 0o170000
	modeTypeLink = 0o120000
	modeTypeChar = 0o020000
)

func isSymlink(mode uint32) bool    { return mode&modeTypeMask == modeTypeLink }
func isCharDevice(mode uint32) bool { return mode&modeTypeMask == modeTypeChar }

// Deployer materializes a populated file table against a directory of
// already-reconstructed resource blobs.
type Deployer struct {
	FT          *filetable.Table
	ResourceDir string
	RootfsDir   string
	// Workers is the worker pool size for the regular-file phase.
	Workers int
	// Concurrent bounds in-flight regular-file submissions.
	Concurrent int
}

// New returns a Deployer. workers and concurrent both default to 1 if
// non-positive.
func New(ft *filetable.Table, resourceDir, rootfsDir string, workers, concurrent int) *Deployer {
	if workers <= 0 {
		workers = 1
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	return &Deployer{FT: ft, ResourceDir: resourceDir, RootfsDir: rootfsDir, Workers: workers, Concurrent: concurrent}
}

// Deploy runs all three phases in the strict order spec.md §4.6 requires:
// directories, then non-regular entries, then regular files.
func (d *Deployer) Deploy() error {
	if err := d.deployDirs(); err != nil {
		return fmt.Errorf("deploy directories: %w: %w", err, otaerr.SetupRootfsFailed)
	}
	if err := d.deployNonRegulars(); err != nil {
		return fmt.Errorf("deploy non-regular entries: %w: %w", err, otaerr.SetupRootfsFailed)
	}
	if err := d.deployRegulars(); err != nil {
		return fmt.Errorf("deploy regular files: %w: %w", err, otaerr.SetupRootfsFailed)
	}
	return nil
}

func (d *Deployer) dest(path string) string { return filepath.Join(d.RootfsDir, path) }

// deployDirs applies every directory entry, serially. A failure is
// fatal per spec.md §4.6.
func (d *Deployer) deployDirs() error {
	return d.FT.IterDirs(func(dir filetable.Dir) error {
		path := d.dest(dir.Path)
		if err := os.MkdirAll(path, os.FileMode(dir.Mode&0o7777)); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir.Path, err)
		}
		if err := chownPath(path, dir.UID, dir.GID); err != nil {
			return fmt.Errorf("chown %s: %w", dir.Path, err)
		}
		if err := os.Chmod(path, os.FileMode(dir.Mode&0o7777)); err != nil {
			return fmt.Errorf("chmod %s: %w", dir.Path, err)
		}
		if err := setXattrsNoFollow(path, dir.Xattrs); err != nil {
			return fmt.Errorf("set xattrs %s: %w", dir.Path, err)
		}
		return nil
	})
}

// deployNonRegulars applies symlinks and whiteout char-devices, serially.
// Any other file type is silently ignored (spec.md §4.6).
func (d *Deployer) deployNonRegulars() error {
	return d.FT.IterNonRegulars(func(n filetable.NonRegular) error {
		path := d.dest(n.Path)
		switch {
		case isSymlink(n.Mode):
			target := string(n.Meta)
			if target == "" {
				return fmt.Errorf("%s: symlink has no target: %w", n.Path, otaerr.PrepareEntryFailed)
			}
			if err := os.Symlink(target, path); err != nil {
				return fmt.Errorf("symlink %s: %w", n.Path, err)
			}
			// chown before chmod everywhere (POSIX clears setuid/setgid on
			// chown); a symlink's own mode is never changed.
			if err := lchownPath(path, n.UID, n.GID); err != nil {
				return fmt.Errorf("lchown %s: %w", n.Path, err)
			}
		case isCharDevice(n.Mode):
			if err := mknodWhiteout(path); err != nil {
				return fmt.Errorf("mknod %s: %w", n.Path, err)
			}
			if err := chownPath(path, n.UID, n.GID); err != nil {
				return fmt.Errorf("chown %s: %w", n.Path, err)
			}
			if err := os.Chmod(path, os.FileMode(n.Mode&0o7777)); err != nil {
				return fmt.Errorf("chmod %s: %w", n.Path, err)
			}
		default:
			return nil
		}
		if err := setXattrsNoFollow(path, n.Xattrs); err != nil {
			return fmt.Errorf("set xattrs %s: %w", n.Path, err)
		}
		return nil
	})
}

// actionKind is the dispatcher's pre-decided classification for a
// regular-file entry; workers execute it without further coordination.
type actionKind int

const (
	actionInline actionKind = iota
	actionHardlinkFromResource
	actionCopyFromResource
	actionHardlinkToHead
)

type regularTask struct {
	entry    filetable.Regular
	kind     actionKind
	headPath string
}

// classify decides how entry should be materialized, given the walk
// state accumulated so far. It must only ever be called by the single
// dispatcher goroutine walking iter_regulars in digest order — the
// decision is what spec.md §5 calls "made under that thread's
// single-threaded control before dispatch, so workers never race on it."
func classify(entry filetable.Regular, digestSeen map[string]bool, inodeHead map[int64]string, destPath string) regularTask {
	if entry.Inlined() {
		return regularTask{entry: entry, kind: actionInline}
	}

	digestHex := entry.Digest.Hex()
	first := !digestSeen[digestHex]
	digestSeen[digestHex] = true

	if entry.LinksCount.Valid && entry.LinksCount.Int64 > 1 {
		if head, ok := inodeHead[entry.InodeID]; ok {
			return regularTask{entry: entry, kind: actionHardlinkToHead, headPath: head}
		}
		inodeHead[entry.InodeID] = destPath
		if first {
			return regularTask{entry: entry, kind: actionHardlinkFromResource}
		}
		return regularTask{entry: entry, kind: actionCopyFromResource}
	}

	if first {
		return regularTask{entry: entry, kind: actionHardlinkFromResource}
	}
	return regularTask{entry: entry, kind: actionCopyFromResource}
}

// errHalted stops an iter_regulars walk early once the first-exception
// latch has tripped; it never escapes deployRegulars.
var errHalted = errors.New("rootfsdeploy: halted after worker failure")

// deployRegulars walks iter_regulars (digest order) on a single
// dispatcher goroutine, classifying each entry and handing it to a
// bounded worker pool. Hardlink-group members after the head are held
// back and linked on the dispatcher once the pool has drained, so every
// head exists before anything links to it. The first worker failure
// trips a latch the dispatcher checks before every new submission;
// in-flight tasks are allowed to finish (spec.md §4.6, §5, §7).
func (d *Deployer) deployRegulars() error {
	digestSeen := map[string]bool{}
	inodeHead := map[int64]string{}

	taskCh := make(chan regularTask)
	errCh := make(chan error, 1)
	var failed int32
	var wg sync.WaitGroup
	sem := semaphore.New(d.Concurrent)

	for i := 0; i < d.Workers; i++ {
		go func() {
			for t := range taskCh {
				if err := d.runRegularTask(t); err != nil {
					if atomic.CompareAndSwapInt32(&failed, 0, 1) {
						errCh <- err
					}
				}
				sem.Release()
				wg.Done()
			}
		}()
	}

	var tails []regularTask
	walkErr := d.FT.IterRegulars(func(entry filetable.Regular) error {
		if atomic.LoadInt32(&failed) != 0 {
			return errHalted
		}
		t := classify(entry, digestSeen, inodeHead, d.dest(entry.Path))
		if t.kind == actionHardlinkToHead {
			tails = append(tails, t)
			return nil
		}
		wg.Add(1)
		sem.Acquire()
		taskCh <- t
		return nil
	})
	close(taskCh)
	wg.Wait()

	if walkErr != nil && !errors.Is(walkErr, errHalted) {
		return walkErr
	}
	select {
	case err := <-errCh:
		return err
	default:
	}
	for _, t := range tails {
		if err := d.runRegularTask(t); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployer) runRegularTask(t regularTask) error {
	path := d.dest(t.entry.Path)

	switch t.kind {
	case actionInline:
		if err := atomicWrite(path, t.entry.Contents); err != nil {
			return fmt.Errorf("%s: write inline content: %w: %w", t.entry.Path, err, otaerr.PrepareEntryFailed)
		}
		return d.applyRegularPerms(path, t.entry)

	case actionHardlinkFromResource:
		src := filepath.Join(d.ResourceDir, t.entry.Digest.Hex())
		if err := atomicLink(src, path); err != nil {
			return fmt.Errorf("%s: hardlink from resource: %w: %w", t.entry.Path, err, otaerr.PrepareEntryFailed)
		}
		return d.applyRegularPerms(path, t.entry)

	case actionCopyFromResource:
		src := filepath.Join(d.ResourceDir, t.entry.Digest.Hex())
		if err := atomicCopy(src, path); err != nil {
			return fmt.Errorf("%s: copy from resource: %w: %w", t.entry.Path, err, otaerr.PrepareEntryFailed)
		}
		return d.applyRegularPerms(path, t.entry)

	case actionHardlinkToHead:
		if err := atomicLink(t.headPath, path); err != nil {
			return fmt.Errorf("%s: hardlink to group head: %w: %w", t.entry.Path, err, otaerr.PrepareEntryFailed)
		}
		// The head already fixed ownership, mode, and xattrs on the
		// shared inode; applying them again here is redundant.
		return nil

	default:
		return fmt.Errorf("%s: unrecognized action kind %d", t.entry.Path, t.kind)
	}
}

func (d *Deployer) applyRegularPerms(path string, entry filetable.Regular) error {
	if err := chownPath(path, entry.UID, entry.GID); err != nil {
		return fmt.Errorf("%s: chown: %w", entry.Path, err)
	}
	if err := os.Chmod(path, os.FileMode(entry.Mode&0o7777)); err != nil {
		return fmt.Errorf("%s: chmod: %w", entry.Path, err)
	}
	if err := setXattrsNoFollow(path, entry.Xattrs); err != nil {
		return fmt.Errorf("%s: set xattrs: %w", entry.Path, err)
	}
	return nil
}

// atomicLink and atomicCopy both stage into a temp sibling then rename
// into place, so a failure never leaves a half-written file at the
// final path.

func atomicLink(src, dst string) error {
	tmp := dst + ".otaimg.tmp"
	if err := os.Link(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func atomicCopy(src, dst string) error {
	tmp := dst + ".otaimg.tmp"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func atomicWrite(dst string, content []byte) error {
	tmp := dst + ".otaimg.tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
