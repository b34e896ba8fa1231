// Package resourcefilter implements the resource table's filter
// tagged-union (spec.md §4.4): a byte tag identifying the filter kind,
// followed by a msgpack-encoded body describing how to derive a
// resource's logical content from one or more other resources.
package resourcefilter

import (
	"bytes"
	"fmt"

	"github.com/tier4/otaimg/internal/codec"
	"github.com/tier4/otaimg/internal/otaerr"
)

// Tag bytes identifying each filter kind on the wire.
const (
	TagBundle   = 'b'
	TagCompress = 'c'
	TagSlice    = 's'
)

// sep is the literal byte separating the tag from the msgpack body.
const sep = ':'

// CompressionAlgZstd is the only compression algorithm Compress supports.
const CompressionAlgZstd = "zstd"

// Filter is a resource table derivation rule. ResourceIDs returns every
// resource this filter depends on — spec.md §4.4 calls this the filter's
// "list_resource_id", noting downstream code must accept both a lone int
// and a list; this package always normalizes it to a slice.
type Filter interface {
	Tag() byte
	ResourceIDs() []int64
}

// Bundle extracts a byte range from a reconstructed bundle resource
// (spec.md §4.4). Bundle referents may themselves be derived.
type Bundle struct {
	BundleResourceID int64 `msgpack:"bundle_resource_id"`
	Offset           int64 `msgpack:"offset"`
	Len              int64 `msgpack:"len"`
}

func (b Bundle) Tag() byte           { return TagBundle }
func (b Bundle) ResourceIDs() []int64 { return []int64{b.BundleResourceID} }

// Compress decompresses a reconstructed resource. Only zstd is supported.
type Compress struct {
	ResourceID     int64  `msgpack:"resource_id"`
	CompressionAlg string `msgpack:"compression_alg"`
}

func (c Compress) Tag() byte            { return TagCompress }
func (c Compress) ResourceIDs() []int64 { return []int64{c.ResourceID} }

// Slice concatenates the reconstructed contents of leaf resources in
// order. Every referent MUST be a leaf (spec.md §4.4) — this package does
// not itself enforce that, since leaf-ness is a resource table property;
// resourcetable.InsertDerived checks it before admitting a Slice row.
type Slice struct {
	Slices []int64 `msgpack:"slices"`
}

func (s Slice) Tag() byte            { return TagSlice }
func (s Slice) ResourceIDs() []int64 { return append([]int64{}, s.Slices...) }

// Marshal encodes f in its wire form: a single tag byte, a literal ':',
// and the msgpack-encoded body, capped at codec.MaxFilterBodyLen.
func Marshal(f Filter) ([]byte, error) {
	var body []byte
	var err error
	switch v := f.(type) {
	case Bundle:
		body, err = codec.PackMsgpack(v)
	case Compress:
		body, err = codec.PackMsgpack(v)
	case Slice:
		body, err = codec.PackMsgpack(v)
	default:
		return nil, fmt.Errorf("resourcefilter: unsupported filter type %T", f)
	}
	if err != nil {
		return nil, fmt.Errorf("encode filter body: %w", err)
	}
	if len(body) > codec.MaxFilterBodyLen {
		return nil, fmt.Errorf("filter body %d bytes exceeds cap %d", len(body), codec.MaxFilterBodyLen)
	}

	out := make([]byte, 0, len(body)+2)
	out = append(out, f.Tag(), sep)
	out = append(out, body...)
	return out, nil
}

// Unmarshal decodes the wire form produced by Marshal, dispatching on the
// leading tag byte. An unregistered tag fails otaerr.UnknownFilter.
func Unmarshal(data []byte) (Filter, error) {
	if len(data) < 2 || data[1] != sep {
		return nil, fmt.Errorf("resourcefilter: malformed filter encoding: %w", otaerr.UnknownFilter)
	}
	tag := data[0]
	body := data[2:]
	if len(body) > codec.MaxFilterBodyLen {
		return nil, fmt.Errorf("filter body %d bytes exceeds cap %d", len(body), codec.MaxFilterBodyLen)
	}

	switch tag {
	case TagBundle:
		var b Bundle
		if err := codec.UnpackMsgpack(body, &b); err != nil {
			return nil, fmt.Errorf("decode bundle filter: %w", err)
		}
		return b, nil
	case TagCompress:
		var c Compress
		if err := codec.UnpackMsgpack(body, &c); err != nil {
			return nil, fmt.Errorf("decode compress filter: %w", err)
		}
		if c.CompressionAlg != CompressionAlgZstd {
			return nil, fmt.Errorf("resourcefilter: unsupported compression algorithm %q", c.CompressionAlg)
		}
		return c, nil
	case TagSlice:
		var s Slice
		if err := codec.UnpackMsgpack(body, &s); err != nil {
			return nil, fmt.Errorf("decode slice filter: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("resourcefilter: tag %q: %w", tag, otaerr.UnknownFilter)
	}
}

// IsLeafEncoding reports whether data is the empty filter_applied value
// denoting a leaf resource (spec.md §3: "filter_applied = NULL").
func IsLeafEncoding(data []byte) bool {
	return len(bytes.TrimSpace(data)) == 0
}
