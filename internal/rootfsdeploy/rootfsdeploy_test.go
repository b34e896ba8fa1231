package rootfsdeploy

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/filetable"
)

func newTestDeployer(t *testing.T) (*Deployer, *filetable.Table, string) {
	t.Helper()
	base := t.TempDir()

	ft, err := filetable.Open(filepath.Join(base, "ft.sqlite3"))
	if err != nil {
		t.Fatalf("filetable.Open: %v", err)
	}
	t.Cleanup(func() { _ = ft.Close() })

	resourceDir := filepath.Join(base, "resources")
	if err := os.Mkdir(resourceDir, 0o755); err != nil {
		t.Fatalf("mkdir resources: %v", err)
	}
	rootfsDir := filepath.Join(base, "rootfs")
	if err := os.Mkdir(rootfsDir, 0o755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}

	return New(ft, resourceDir, rootfsDir, 4, 4), ft, resourceDir
}

func uidGid() (uint32, uint32) { return uint32(os.Getuid()), uint32(os.Getgid()) }

func putResource(t *testing.T, resourceDir string, content []byte) digest.Digest {
	t.Helper()
	d := digest.FromBytes(content)
	if err := os.WriteFile(filepath.Join(resourceDir, d.Hex()), content, 0o644); err != nil {
		t.Fatalf("write resource blob: %v", err)
	}
	return d
}

func TestDeployDirsCreatesTreeWithPermissions(t *testing.T) {
	d, ft, _ := newTestDeployer(t)
	uid, gid := uidGid()

	inodeID, err := ft.InsertInode(uid, gid, 0o750, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := ft.InsertDir("/etc/opt", inodeID); err != nil {
		t.Fatalf("InsertDir: %v", err)
	}

	if err := d.deployDirs(); err != nil {
		t.Fatalf("deployDirs: %v", err)
	}

	info, err := os.Stat(filepath.Join(d.RootfsDir, "etc", "opt"))
	if err != nil {
		t.Fatalf("stat deployed dir: %v", err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Fatalf("mode = %o, want %o", info.Mode().Perm(), 0o750)
	}
}

func TestDeployNonRegularsCreatesSymlink(t *testing.T) {
	d, ft, _ := newTestDeployer(t)
	uid, gid := uidGid()

	inodeID, err := ft.InsertInode(uid, gid, modeTypeLink|0o777, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := ft.InsertNonRegular("/bin/sh", inodeID, []byte("/bin/bash")); err != nil {
		t.Fatalf("InsertNonRegular: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(d.RootfsDir, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir bin: %v", err)
	}
	if err := d.deployNonRegulars(); err != nil {
		t.Fatalf("deployNonRegulars: %v", err)
	}

	target, err := os.Readlink(filepath.Join(d.RootfsDir, "bin", "sh"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/bin/bash" {
		t.Fatalf("symlink target = %q, want /bin/bash", target)
	}
}

func TestDeployNonRegularsIgnoresUnknownType(t *testing.T) {
	d, ft, _ := newTestDeployer(t)
	uid, gid := uidGid()

	inodeID, err := ft.InsertInode(uid, gid, 0o010644, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := ft.InsertNonRegular("/dev/fifo0", inodeID, nil); err != nil {
		t.Fatalf("InsertNonRegular: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(d.RootfsDir, "dev"), 0o755); err != nil {
		t.Fatalf("mkdir dev: %v", err)
	}

	if err := d.deployNonRegulars(); err != nil {
		t.Fatalf("deployNonRegulars: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(d.RootfsDir, "dev", "fifo0")); !os.IsNotExist(err) {
		t.Fatal("unknown file type should have been silently ignored")
	}
}

func TestDeployRegularsWritesInlineContent(t *testing.T) {
	d, ft, _ := newTestDeployer(t)
	uid, gid := uidGid()

	content := []byte("tiny")
	dg := digest.FromBytes(content)
	resID, err := ft.InsertResource(dg, int64(len(content)), content)
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	inodeID, err := ft.InsertInode(uid, gid, 0o644, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := ft.InsertRegular("/etc/tiny", inodeID, resID); err != nil {
		t.Fatalf("InsertRegular: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(d.RootfsDir, "etc"), 0o755); err != nil {
		t.Fatalf("mkdir etc: %v", err)
	}

	if err := d.deployRegulars(); err != nil {
		t.Fatalf("deployRegulars: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(d.RootfsDir, "etc", "tiny"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "tiny" {
		t.Fatalf("content = %q, want %q", got, "tiny")
	}
}

func TestDeployRegularsFirstEntryHardlinksSubsequentCopies(t *testing.T) {
	d, ft, resourceDir := newTestDeployer(t)
	uid, gid := uidGid()

	content := []byte("shared, non-hardlinked content")
	dg := putResource(t, resourceDir, content)
	resID, err := ft.InsertResource(dg, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}

	inodeA, err := ft.InsertInode(uid, gid, 0o644, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode A: %v", err)
	}
	inodeB, err := ft.InsertInode(uid, gid, 0o644, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode B: %v", err)
	}
	if err := ft.InsertRegular("/usr/a", inodeA, resID); err != nil {
		t.Fatalf("InsertRegular a: %v", err)
	}
	if err := ft.InsertRegular("/usr/b", inodeB, resID); err != nil {
		t.Fatalf("InsertRegular b: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(d.RootfsDir, "usr"), 0o755); err != nil {
		t.Fatalf("mkdir usr: %v", err)
	}

	if err := d.deployRegulars(); err != nil {
		t.Fatalf("deployRegulars: %v", err)
	}

	for _, name := range []string{"a", "b"} {
		got, err := os.ReadFile(filepath.Join(d.RootfsDir, "usr", name))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", name, err)
		}
		if string(got) != string(content) {
			t.Fatalf("%s content = %q, want %q", name, got, content)
		}
	}

	infoA, err := os.Stat(filepath.Join(d.RootfsDir, "usr", "a"))
	if err != nil {
		t.Fatalf("stat a: %v", err)
	}
	infoB, err := os.Stat(filepath.Join(d.RootfsDir, "usr", "b"))
	if err != nil {
		t.Fatalf("stat b: %v", err)
	}
	if os.SameFile(infoA, infoB) {
		t.Fatal("non-hardlink-group entries sharing a digest must not end up sharing an inode on disk")
	}
}

func TestDeployRegularsHardlinkGroupSharesInode(t *testing.T) {
	d, ft, resourceDir := newTestDeployer(t)
	uid, gid := uidGid()

	content := []byte("hardlink group content")
	dg := putResource(t, resourceDir, content)
	resID, err := ft.InsertResource(dg, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}

	linksCount := sql.NullInt64{Int64: 2, Valid: true}
	sharedInode, err := ft.InsertInode(uid, gid, 0o644, linksCount, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := ft.InsertRegular("/opt/head", sharedInode, resID); err != nil {
		t.Fatalf("InsertRegular head: %v", err)
	}
	if err := ft.InsertRegular("/opt/tail", sharedInode, resID); err != nil {
		t.Fatalf("InsertRegular tail: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(d.RootfsDir, "opt"), 0o755); err != nil {
		t.Fatalf("mkdir opt: %v", err)
	}

	if err := d.deployRegulars(); err != nil {
		t.Fatalf("deployRegulars: %v", err)
	}

	infoHead, err := os.Stat(filepath.Join(d.RootfsDir, "opt", "head"))
	if err != nil {
		t.Fatalf("stat head: %v", err)
	}
	infoTail, err := os.Stat(filepath.Join(d.RootfsDir, "opt", "tail"))
	if err != nil {
		t.Fatalf("stat tail: %v", err)
	}
	if !os.SameFile(infoHead, infoTail) {
		t.Fatal("hardlink group members should share an inode")
	}
}

func TestClassifyMarksFirstAppearanceAcrossEntries(t *testing.T) {
	digestSeen := map[string]bool{}
	inodeHead := map[int64]string{}

	leaf := filetable.Regular{Path: "/a", InodeID: 1, ResourceID: 1, Digest: digest.FromBytes([]byte("x"))}
	first := classify(leaf, digestSeen, inodeHead, "/rootfs/a")
	if first.kind != actionHardlinkFromResource {
		t.Fatalf("first occurrence kind = %v, want actionHardlinkFromResource", first.kind)
	}

	leaf2 := filetable.Regular{Path: "/b", InodeID: 2, ResourceID: 1, Digest: digest.FromBytes([]byte("x"))}
	second := classify(leaf2, digestSeen, inodeHead, "/rootfs/b")
	if second.kind != actionCopyFromResource {
		t.Fatalf("second occurrence kind = %v, want actionCopyFromResource", second.kind)
	}
}
