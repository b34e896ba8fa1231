// Package filetable implements the file table (FT, spec.md §3, §4.6):
// five SQLite tables describing a rootfs tree — inodes, directories,
// non-regular entries, regular files, and the per-FT resource pointers
// regular files join into.
package filetable

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tier4/otaimg/internal/codec"
	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ft_inode (
    inode_id     INTEGER PRIMARY KEY,
    uid          INTEGER NOT NULL,
    gid          INTEGER NOT NULL,
    mode         INTEGER NOT NULL,
    links_count  INTEGER,
    xattrs       BLOB
);

CREATE TABLE IF NOT EXISTS ft_dir (
    path      TEXT PRIMARY KEY,
    inode_id  INTEGER NOT NULL REFERENCES ft_inode(inode_id)
);

CREATE TABLE IF NOT EXISTS ft_non_regular (
    path      TEXT PRIMARY KEY,
    inode_id  INTEGER NOT NULL REFERENCES ft_inode(inode_id),
    meta      BLOB
);

CREATE TABLE IF NOT EXISTS ft_resource (
    resource_id  INTEGER PRIMARY KEY,
    digest       BLOB NOT NULL UNIQUE,
    size         INTEGER NOT NULL,
    contents     BLOB
);

CREATE TABLE IF NOT EXISTS ft_regular (
    path         TEXT PRIMARY KEY,
    inode_id     INTEGER NOT NULL REFERENCES ft_inode(inode_id),
    resource_id  INTEGER NOT NULL REFERENCES ft_resource(resource_id)
);

CREATE INDEX IF NOT EXISTS idx_ft_regular_resource_id ON ft_regular(resource_id);
CREATE INDEX IF NOT EXISTS idx_ft_regular_inode_id ON ft_regular(inode_id);
CREATE INDEX IF NOT EXISTS idx_ft_non_regular_inode_id ON ft_non_regular(inode_id);
CREATE INDEX IF NOT EXISTS idx_ft_dir_inode_id ON ft_dir(inode_id);
`

// Inode is a shared-ownership record; FT regular files with
// links_count > 1 sharing an inode_id denote hardlinks (invariant 4).
type Inode struct {
	InodeID    int64
	UID        uint32
	GID        uint32
	Mode       uint32
	LinksCount sql.NullInt64
	Xattrs     map[string][]byte
}

// Dir is a directory entry.
type Dir struct {
	Path    string
	InodeID int64
	UID     uint32
	GID     uint32
	Mode    uint32
	Xattrs  map[string][]byte
}

// NonRegular is a symlink or chardev-placeholder entry; Meta carries the
// symlink target or the whiteout marker (spec.md §4.6).
type NonRegular struct {
	Path    string
	InodeID int64
	UID     uint32
	GID     uint32
	Mode    uint32
	Meta    []byte
	Xattrs  map[string][]byte
}

// Regular is a regular-file entry, resolved against its inode and
// resource.
type Regular struct {
	Path       string
	InodeID    int64
	ResourceID int64
	UID        uint32
	GID        uint32
	Mode       uint32
	LinksCount sql.NullInt64
	Xattrs     map[string][]byte
	Digest     digest.Digest
	Size       int64
	Contents   []byte // non-nil iff inlined
}

// Inlined reports whether the file's bytes are carried inside the FT
// itself rather than fetched from the resource table (invariant 5).
func (r Regular) Inlined() bool { return r.Contents != nil }

// Table wraps an open file table database.
type Table struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) the file table database at path.
func Open(path string) (*Table, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open file table %s: %w", path, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create file table schema: %w", err)
	}
	return &Table{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (t *Table) Close() error { return t.db.Close() }

func packXattrs(x map[string][]byte) ([]byte, error) {
	if len(x) == 0 {
		return nil, nil
	}
	b, err := codec.PackMsgpack(x)
	if err != nil {
		return nil, fmt.Errorf("encode xattrs: %w", err)
	}
	return b, nil
}

func unpackXattrs(b []byte) (map[string][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var x map[string][]byte
	if err := codec.UnpackMsgpack(b, &x); err != nil {
		return nil, fmt.Errorf("decode xattrs: %w", err)
	}
	return x, nil
}

// InsertInode adds a shared inode record and returns its inode_id.
func (t *Table) InsertInode(uid, gid, mode uint32, linksCount sql.NullInt64, xattrs map[string][]byte) (int64, error) {
	packed, err := packXattrs(xattrs)
	if err != nil {
		return 0, err
	}
	res, err := t.db.Exec(
		`INSERT INTO ft_inode (uid, gid, mode, links_count, xattrs) VALUES (?, ?, ?, ?, ?)`,
		uid, gid, mode, linksCount, packed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert ft_inode: %w", err)
	}
	return res.LastInsertId()
}

// InsertDir adds a directory entry.
func (t *Table) InsertDir(path string, inodeID int64) error {
	if _, err := t.db.Exec(`INSERT INTO ft_dir (path, inode_id) VALUES (?, ?)`, path, inodeID); err != nil {
		return fmt.Errorf("insert ft_dir %s: %w", path, err)
	}
	return nil
}

// InsertNonRegular adds a symlink or chardev-placeholder entry.
func (t *Table) InsertNonRegular(path string, inodeID int64, meta []byte) error {
	if _, err := t.db.Exec(`INSERT INTO ft_non_regular (path, inode_id, meta) VALUES (?, ?, ?)`, path, inodeID, nullableBytes(meta)); err != nil {
		return fmt.Errorf("insert ft_non_regular %s: %w", path, err)
	}
	return nil
}

// InsertResource adds a ft_resource row. contents non-nil marks the
// associated regular files as inlined.
func (t *Table) InsertResource(d digest.Digest, size int64, contents []byte) (int64, error) {
	res, err := t.db.Exec(
		`INSERT INTO ft_resource (digest, size, contents) VALUES (?, ?, ?)`,
		d.Bytes(), size, nullableBytes(contents),
	)
	if err != nil {
		return 0, fmt.Errorf("insert ft_resource: %w", err)
	}
	return res.LastInsertId()
}

// InsertRegular adds a regular-file entry, joining it to inodeID and
// resourceID.
func (t *Table) InsertRegular(path string, inodeID, resourceID int64) error {
	if _, err := t.db.Exec(`INSERT INTO ft_regular (path, inode_id, resource_id) VALUES (?, ?, ?)`, path, inodeID, resourceID); err != nil {
		return fmt.Errorf("insert ft_regular %s: %w", path, err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// IterDirs streams every directory entry, ordered by path.
func (t *Table) IterDirs(fn func(Dir) error) error {
	rows, err := t.db.Query(`
		SELECT d.path, d.inode_id, i.uid, i.gid, i.mode, i.xattrs
		FROM ft_dir d JOIN ft_inode i ON i.inode_id = d.inode_id
		ORDER BY d.path
	`)
	if err != nil {
		return fmt.Errorf("iterate ft_dir: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Dir
		var xattrs []byte
		if err := rows.Scan(&d.Path, &d.InodeID, &d.UID, &d.GID, &d.Mode, &xattrs); err != nil {
			return fmt.Errorf("scan ft_dir row: %w", err)
		}
		if d.Xattrs, err = unpackXattrs(xattrs); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IterNonRegulars streams every symlink/chardev entry.
func (t *Table) IterNonRegulars(fn func(NonRegular) error) error {
	rows, err := t.db.Query(`
		SELECT n.path, n.inode_id, i.uid, i.gid, i.mode, n.meta, i.xattrs
		FROM ft_non_regular n JOIN ft_inode i ON i.inode_id = n.inode_id
		ORDER BY n.path
	`)
	if err != nil {
		return fmt.Errorf("iterate ft_non_regular: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n NonRegular
		var meta, xattrs []byte
		if err := rows.Scan(&n.Path, &n.InodeID, &n.UID, &n.GID, &n.Mode, &meta, &xattrs); err != nil {
			return fmt.Errorf("scan ft_non_regular row: %w", err)
		}
		n.Meta = meta
		if n.Xattrs, err = unpackXattrs(xattrs); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IterRegulars streams every regular-file entry ordered by digest, as
// required by the deployer's hardlink-group logic (spec.md §4.6).
func (t *Table) IterRegulars(fn func(Regular) error) error {
	rows, err := t.db.Query(`
		SELECT r.path, r.inode_id, r.resource_id, i.uid, i.gid, i.mode, i.links_count, i.xattrs,
		       res.digest, res.size, res.contents
		FROM ft_regular r
		JOIN ft_inode i ON i.inode_id = r.inode_id
		JOIN ft_resource res ON res.resource_id = r.resource_id
		ORDER BY res.digest, r.path
	`)
	if err != nil {
		return fmt.Errorf("iterate ft_regular: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reg Regular
		var xattrs, rawDigest, contents []byte
		if err := rows.Scan(&reg.Path, &reg.InodeID, &reg.ResourceID, &reg.UID, &reg.GID, &reg.Mode,
			&reg.LinksCount, &xattrs, &rawDigest, &reg.Size, &contents); err != nil {
			return fmt.Errorf("scan ft_regular row: %w", err)
		}
		d, err := digest.FromRawBytes(rawDigest)
		if err != nil {
			return err
		}
		reg.Digest = d
		reg.Contents = contents
		if reg.Xattrs, err = unpackXattrs(xattrs); err != nil {
			return err
		}
		if err := fn(reg); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetResourceByDigest looks up a ft_resource row by digest.
func (t *Table) GetResourceByDigest(d digest.Digest) (resourceID int64, size int64, contents []byte, err error) {
	row := t.db.QueryRow(`SELECT resource_id, size, contents FROM ft_resource WHERE digest = ?`, d.Bytes())
	if err := row.Scan(&resourceID, &size, &contents); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil, fmt.Errorf("ft_resource digest %s: %w", d, otaerr.NotFound)
		}
		return 0, 0, nil, fmt.Errorf("scan ft_resource row: %w", err)
	}
	return resourceID, size, contents, nil
}

// emptyFileDigest is the SHA-256 digest of zero bytes, excluded from
// IterCommonDigests per spec.md §4.6 ("skips the empty-file digest").
var emptyFileDigest = digest.FromBytes(nil)

// IterCommonDigests joins this file table against the one at basePath,
// yielding digests present (as a non-inlined resource) in both — used
// for delta-image optimizations (spec.md §4.6).
func (t *Table) IterCommonDigests(basePath string, fn func(digest.Digest) error) error {
	if _, err := t.db.Exec(`ATTACH DATABASE ? AS base_ft`, basePath); err != nil {
		return fmt.Errorf("attach base file table %s: %w", basePath, err)
	}
	defer func() { _, _ = t.db.Exec(`DETACH DATABASE base_ft`) }()

	rows, err := t.db.Query(`
		SELECT r.digest
		FROM ft_resource r
		JOIN base_ft.ft_resource b ON b.digest = r.digest
		WHERE r.contents IS NULL AND b.contents IS NULL
	`)
	if err != nil {
		return fmt.Errorf("join file tables for common digests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan common digest row: %w", err)
		}
		d, err := digest.FromRawBytes(raw)
		if err != nil {
			return err
		}
		if d.Equal(emptyFileDigest) {
			continue
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}
