// Package digest provides the SHA-256 content-address primitive used by
// every layer of the image toolkit: blobs, descriptors, and both relational
// tables key off this type.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	digestpkg "github.com/opencontainers/go-digest"

	"github.com/tier4/otaimg/internal/otaerr"
)

// blockSize is the read buffer size used when hashing streams, matching the
// 8 MiB default chunk size called out in spec.md's concurrency model.
const blockSize = 8 << 20

// Digest is an opaque 32-byte SHA-256 value. The zero Digest is invalid;
// always construct one via FromBytes, Parse, or FromReader.
type Digest struct {
	raw digestpkg.Digest
}

// FromBytes hashes content and returns its Digest.
func FromBytes(content []byte) Digest {
	return Digest{raw: digestpkg.FromBytes(content)}
}

// FromReader hashes the entirety of r and returns its Digest and the number
// of bytes read.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, blockSize))
	if err != nil {
		return Digest{}, n, err
	}
	return fromSum(h.Sum(nil)), n, nil
}

func fromSum(sum []byte) Digest {
	return Digest{raw: digestpkg.NewDigestFromBytes(digestpkg.SHA256, sum)}
}

// Parse parses the prefixed string form "sha256:<hex>". Any other algorithm
// prefix is rejected.
func Parse(s string) (Digest, error) {
	d, err := digestpkg.Parse(s)
	if err != nil {
		return Digest{}, fmt.Errorf("parse digest %q: %w", s, err)
	}
	if d.Algorithm() != digestpkg.SHA256 {
		return Digest{}, fmt.Errorf("parse digest %q: %w: only sha256 is supported", s, otaerr.BadDigest)
	}
	return Digest{raw: d}, nil
}

// FromHex constructs a Digest from a bare lowercase hex string (no
// "sha256:" prefix), as used for blob filenames.
func FromHex(hexStr string) (Digest, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != sha256.Size {
		return Digest{}, fmt.Errorf("parse hex digest %q: %w", hexStr, otaerr.BadDigest)
	}
	return fromSum(raw), nil
}

// IsZero reports whether d is the zero value (never hashed or parsed).
func (d Digest) IsZero() bool { return d.raw == "" }

// Hex returns the lowercase hex presentation, with no algorithm prefix.
// This is the form used for blob filenames.
func (d Digest) Hex() string { return d.raw.Encoded() }

// Bytes returns the raw 32-byte digest value, decoded from hex on each
// call. Used for SQLite BLOB columns, which store raw bytes, not hex text.
func (d Digest) Bytes() []byte {
	raw, _ := hex.DecodeString(d.raw.Encoded())
	return raw
}

// FromRawBytes constructs a Digest from the raw 32 bytes stored in a
// resource_table/file_table BLOB column.
func FromRawBytes(raw []byte) (Digest, error) {
	if len(raw) != sha256.Size {
		return Digest{}, fmt.Errorf("digest blob has %d bytes, want %d: %w", len(raw), sha256.Size, otaerr.BadDigest)
	}
	return fromSum(raw), nil
}

// String returns the prefixed form "sha256:<hex>", as used in descriptors
// and OCI annotations.
func (d Digest) String() string { return string(d.raw) }

// Equal reports whether two digests denote the same content.
func (d Digest) Equal(other Digest) bool { return d.raw == other.raw }

// MarshalJSON encodes d in its prefixed string form, the RFC OCI digest
// format used by every descriptor and metafile in this toolkit.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses the prefixed string form, rejecting non-sha256
// algorithms.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal digest: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Verify hashes r and returns otaerr.BadDigest if the result does not equal
// d. It always drains r fully so callers can rely on EOF having been
// reached even on mismatch.
func Verify(r io.Reader, want Digest) error {
	got, _, err := FromReader(r)
	if err != nil {
		return fmt.Errorf("hash for verification: %w", err)
	}
	if !got.Equal(want) {
		return fmt.Errorf("got %s, want %s: %w", got, want, otaerr.BadDigest)
	}
	return nil
}
