// Package resourcetable implements the resource table (RT, spec.md §3,
// §4.5): a single SQLite table, rst_manifest, mapping a resource_id to
// its logical digest/size and an optional derivation filter. Hand-rolled
// SQL over database/sql + mattn/go-sqlite3, in the style the retrieval
// pack's other SQLite-backed repo uses (no ORM anywhere in the corpus).
package resourcetable

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"
	"github.com/tier4/otaimg/internal/resourcefilter"
)

const createManifestTable = `
CREATE TABLE IF NOT EXISTS rst_manifest (
    resource_id     INTEGER PRIMARY KEY,
    digest          BLOB NOT NULL,
    size            INTEGER NOT NULL,
    filter_applied  BLOB,
    meta            BLOB
)
`

const createDigestIndex = `
CREATE INDEX IF NOT EXISTS idx_rst_manifest_digest ON rst_manifest(digest)
`

// Row is a single rst_manifest entry. FilterApplied is nil for a leaf.
type Row struct {
	ResourceID    int64
	Digest        digest.Digest
	Size          int64
	FilterApplied []byte
	Meta          []byte
}

// IsLeaf reports whether the row has no derivation filter (spec.md §3).
func (r Row) IsLeaf() bool { return resourcefilter.IsLeafEncoding(r.FilterApplied) }

// Filter decodes the row's derivation filter. Calling this on a leaf row
// is a programming error; callers should check IsLeaf first.
func (r Row) Filter() (resourcefilter.Filter, error) {
	return resourcefilter.Unmarshal(r.FilterApplied)
}

// Table wraps an open rst_manifest database.
type Table struct {
	db *sql.DB
}

// Open opens (creating if absent) the resource table database at path.
func Open(path string) (*Table, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open resource table %s: %w", path, err)
	}
	if _, err := db.Exec(createManifestTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rst_manifest: %w", err)
	}
	if _, err := db.Exec(createDigestIndex); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rst_manifest digest index: %w", err)
	}
	return &Table{db: db}, nil
}

// Close releases the underlying database handle.
func (t *Table) Close() error { return t.db.Close() }

// InsertLeaf adds a leaf resource (filter_applied = NULL), whose logical
// bytes equal the blob named by d.
func (t *Table) InsertLeaf(d digest.Digest, size int64, meta []byte) (int64, error) {
	return t.insert(d, size, nil, meta)
}

// InsertDerived adds a resource derived via filter. A Slice filter is
// admitted only if every referent is a leaf (ValidateSliceReferents).
func (t *Table) InsertDerived(d digest.Digest, size int64, filter resourcefilter.Filter, meta []byte) (int64, error) {
	if filter == nil {
		return 0, fmt.Errorf("resourcetable: InsertDerived requires a non-nil filter")
	}
	if s, ok := filter.(resourcefilter.Slice); ok {
		if err := t.ValidateSliceReferents(s.Slices); err != nil {
			return 0, err
		}
	}
	wire, err := resourcefilter.Marshal(filter)
	if err != nil {
		return 0, err
	}
	return t.insert(d, size, wire, meta)
}

func (t *Table) insert(d digest.Digest, size int64, filterWire, meta []byte) (int64, error) {
	res, err := t.db.Exec(
		`INSERT INTO rst_manifest (digest, size, filter_applied, meta) VALUES (?, ?, ?, ?)`,
		d.Bytes(), size, nullableBytes(filterWire), nullableBytes(meta),
	)
	if err != nil {
		return 0, fmt.Errorf("insert rst_manifest row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted resource_id: %w", err)
	}
	return id, nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// Get fetches a row by resource_id.
func (t *Table) Get(resourceID int64) (Row, error) {
	row := t.db.QueryRow(
		`SELECT resource_id, digest, size, filter_applied, meta FROM rst_manifest WHERE resource_id = ?`,
		resourceID,
	)
	return scanRow(row)
}

// GetByDigest fetches a row by its logical digest. If several resources
// share a digest (idempotent re-adds of identical content, invariant 2),
// the lowest resource_id is returned.
func (t *Table) GetByDigest(d digest.Digest) (Row, error) {
	row := t.db.QueryRow(
		`SELECT resource_id, digest, size, filter_applied, meta FROM rst_manifest WHERE digest = ? ORDER BY resource_id LIMIT 1`,
		d.Bytes(),
	)
	return scanRow(row)
}

func scanRow(row *sql.Row) (Row, error) {
	var (
		r         Row
		rawDigest []byte
	)
	if err := row.Scan(&r.ResourceID, &rawDigest, &r.Size, &r.FilterApplied, &r.Meta); err != nil {
		if err == sql.ErrNoRows {
			return Row{}, fmt.Errorf("resource row: %w", otaerr.NotFound)
		}
		return Row{}, fmt.Errorf("scan rst_manifest row: %w", err)
	}
	d, err := digest.FromRawBytes(rawDigest)
	if err != nil {
		return Row{}, err
	}
	r.Digest = d
	return r, nil
}

// IterAll streams every row in resource_id order, calling fn for each.
// Returning a non-nil error from fn stops iteration and is propagated.
func (t *Table) IterAll(fn func(Row) error) error {
	rows, err := t.db.Query(`SELECT resource_id, digest, size, filter_applied, meta FROM rst_manifest ORDER BY resource_id`)
	if err != nil {
		return fmt.Errorf("iterate rst_manifest: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r         Row
			rawDigest []byte
		)
		if err := rows.Scan(&r.ResourceID, &rawDigest, &r.Size, &r.FilterApplied, &r.Meta); err != nil {
			return fmt.Errorf("scan rst_manifest row: %w", err)
		}
		d, err := digest.FromRawBytes(rawDigest)
		if err != nil {
			return err
		}
		r.Digest = d
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ValidateSliceReferents checks that every resource_id in ids is a leaf,
// enforcing spec.md §4.4's "Slice referents MUST be leaves" rule.
func (t *Table) ValidateSliceReferents(ids []int64) error {
	for _, id := range ids {
		row, err := t.Get(id)
		if err != nil {
			return err
		}
		if !row.IsLeaf() {
			return fmt.Errorf("resourcetable: slice referent %d is not a leaf", id)
		}
	}
	return nil
}
