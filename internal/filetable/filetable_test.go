package filetable

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/tier4/otaimg/internal/digest"
)

func openTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(filepath.Join(t.TempDir(), "file_table.sqlite3"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestInsertDirThenIterDirs(t *testing.T) {
	tbl := openTestTable(t)
	inodeID, err := tbl.InsertInode(0, 0, 0o755, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := tbl.InsertDir("/etc", inodeID); err != nil {
		t.Fatalf("InsertDir: %v", err)
	}

	var got []Dir
	if err := tbl.IterDirs(func(d Dir) error {
		got = append(got, d)
		return nil
	}); err != nil {
		t.Fatalf("IterDirs: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/etc" || got[0].Mode != 0o755 {
		t.Fatalf("unexpected dirs: %+v", got)
	}
}

func TestInsertRegularRoundTripOrderedByDigest(t *testing.T) {
	tbl := openTestTable(t)

	add := func(path string, content []byte) {
		inodeID, err := tbl.InsertInode(1000, 1000, 0o644, sql.NullInt64{}, nil)
		if err != nil {
			t.Fatalf("InsertInode: %v", err)
		}
		d := digest.FromBytes(content)
		resID, err := tbl.InsertResource(d, int64(len(content)), nil)
		if err != nil {
			t.Fatalf("InsertResource: %v", err)
		}
		if err := tbl.InsertRegular(path, inodeID, resID); err != nil {
			t.Fatalf("InsertRegular: %v", err)
		}
	}
	add("/usr/bin/z", []byte("zzz"))
	add("/usr/bin/a", []byte("aaa"))

	var digests []string
	if err := tbl.IterRegulars(func(r Regular) error {
		digests = append(digests, r.Digest.Hex())
		return nil
	}); err != nil {
		t.Fatalf("IterRegulars: %v", err)
	}
	if len(digests) != 2 {
		t.Fatalf("got %d regular entries, want 2", len(digests))
	}
	if digests[0] >= digests[1] {
		t.Fatalf("entries not ordered by digest: %v", digests)
	}
}

func TestInlinedResourceHasContents(t *testing.T) {
	tbl := openTestTable(t)
	inodeID, err := tbl.InsertInode(0, 0, 0o644, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	content := []byte("tiny")
	d := digest.FromBytes(content)
	resID, err := tbl.InsertResource(d, int64(len(content)), content)
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if err := tbl.InsertRegular("/etc/tiny", inodeID, resID); err != nil {
		t.Fatalf("InsertRegular: %v", err)
	}

	var found bool
	if err := tbl.IterRegulars(func(r Regular) error {
		found = true
		if !r.Inlined() {
			t.Fatal("expected Inlined() to report true")
		}
		if string(r.Contents) != "tiny" {
			t.Fatalf("contents = %q, want %q", r.Contents, "tiny")
		}
		return nil
	}); err != nil {
		t.Fatalf("IterRegulars: %v", err)
	}
	if !found {
		t.Fatal("expected one regular entry")
	}
}

func TestXattrsRoundTrip(t *testing.T) {
	tbl := openTestTable(t)
	xattrs := map[string][]byte{"security.capability": {0x01, 0x02}}
	inodeID, err := tbl.InsertInode(0, 0, 0o755, sql.NullInt64{}, nil)
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := tbl.InsertNonRegular("/etc/alternatives/x", inodeID, []byte("/usr/bin/x-real")); err != nil {
		t.Fatalf("InsertNonRegular: %v", err)
	}

	inodeID2, err := tbl.InsertInode(0, 0, 0o755, sql.NullInt64{}, xattrs)
	if err != nil {
		t.Fatalf("InsertInode with xattrs: %v", err)
	}
	if err := tbl.InsertDir("/opt", inodeID2); err != nil {
		t.Fatalf("InsertDir: %v", err)
	}

	var gotXattrs map[string][]byte
	if err := tbl.IterDirs(func(d Dir) error {
		if d.Path == "/opt" {
			gotXattrs = d.Xattrs
		}
		return nil
	}); err != nil {
		t.Fatalf("IterDirs: %v", err)
	}
	if string(gotXattrs["security.capability"]) != string(xattrs["security.capability"]) {
		t.Fatalf("xattrs not preserved: %v", gotXattrs)
	}
}

func TestIterCommonDigestsSkipsInlinedAndEmpty(t *testing.T) {
	a := openTestTable(t)
	b, err := Open(filepath.Join(t.TempDir(), "b.sqlite3"))
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	shared := []byte("shared content")
	if _, err := a.InsertResource(digest.FromBytes(shared), int64(len(shared)), nil); err != nil {
		t.Fatalf("a.InsertResource: %v", err)
	}
	if _, err := b.InsertResource(digest.FromBytes(shared), int64(len(shared)), nil); err != nil {
		t.Fatalf("b.InsertResource: %v", err)
	}

	inlined := []byte("inlined both sides")
	if _, err := a.InsertResource(digest.FromBytes(inlined), int64(len(inlined)), inlined); err != nil {
		t.Fatalf("a.InsertResource inlined: %v", err)
	}
	if _, err := b.InsertResource(digest.FromBytes(inlined), int64(len(inlined)), inlined); err != nil {
		t.Fatalf("b.InsertResource inlined: %v", err)
	}

	if _, err := a.InsertResource(digest.FromBytes(nil), 0, nil); err != nil {
		t.Fatalf("a.InsertResource empty: %v", err)
	}
	if _, err := b.InsertResource(digest.FromBytes(nil), 0, nil); err != nil {
		t.Fatalf("b.InsertResource empty: %v", err)
	}

	var common []string
	if err := a.IterCommonDigests(b.path, func(d digest.Digest) error {
		common = append(common, d.Hex())
		return nil
	}); err != nil {
		t.Fatalf("IterCommonDigests: %v", err)
	}
	if len(common) != 1 || common[0] != digest.FromBytes(shared).Hex() {
		t.Fatalf("common digests = %v, want only the shared non-inlined digest", common)
	}
}
