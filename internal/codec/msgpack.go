// Package codec holds the two wire-format primitives shared across the
// toolkit: msgpack encoding for resource filter bodies and xattr blobs, and
// zstd streaming for compressed blobs and resources.
package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFilterBodyLen is the hard cap on a resource filter's encoded msgpack
// body, per spec.md §4.4.
const MaxFilterBodyLen = 1 << 20 // 1 MiB

// PackMsgpack encodes v as msgpack bytes.
func PackMsgpack(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return b, nil
}

// UnpackMsgpack decodes msgpack bytes into v.
func UnpackMsgpack(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
