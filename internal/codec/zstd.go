package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressStream streams src through a zstd encoder into dst, with frame
// checksums enabled so a corrupted blob is detectable on decode. The
// caller's dst receives the compressed bytes; this is what the object
// store hashes when writing a "+zstd" blob (spec.md §4.1: the blob's
// digest is the hash of the compressed output, not the original).
func CompressStream(dst io.Writer, src io.Reader) (int64, error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderCRC(true))
	if err != nil {
		return 0, fmt.Errorf("new zstd encoder: %w", err)
	}
	n, err := io.Copy(enc, src)
	if err != nil {
		_ = enc.Close()
		return n, fmt.Errorf("zstd compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("zstd encoder close: %w", err)
	}
	return n, nil
}

// Decompressor wraps a zstd decoder for reuse across many streams. Per
// spec.md §4.5 and §5, the underlying zstd decoder is not safe to share
// across goroutines, so each worker in a pool must own exactly one
// Decompressor and call DecompressStream on it sequentially; never share
// one across goroutines.
type Decompressor struct {
	dec *zstd.Decoder
}

// NewDecompressor allocates a decoder ready for repeated Reset via
// DecompressStream.
func NewDecompressor() (*Decompressor, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd decoder: %w", err)
	}
	return &Decompressor{dec: dec}, nil
}

// DecompressStream decompresses src into dst, returning the number of
// decompressed bytes written.
func (d *Decompressor) DecompressStream(dst io.Writer, src io.Reader) (int64, error) {
	if err := d.dec.Reset(src); err != nil {
		return 0, fmt.Errorf("zstd decoder reset: %w", err)
	}
	n, err := io.Copy(dst, d.dec)
	if err != nil {
		return n, fmt.Errorf("zstd decompress: %w", err)
	}
	return n, nil
}

// Close releases the decoder's resources. Call once when the owning worker
// retires.
func (d *Decompressor) Close() { d.dec.Close() }
