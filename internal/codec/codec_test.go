package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type filterBody struct {
	ResourceID int64  `msgpack:"resource_id"`
	Alg        string `msgpack:"compression_alg"`
}

func TestMsgpackRoundTrip(t *testing.T) {
	in := filterBody{ResourceID: 42, Alg: "zstd"}
	b, err := PackMsgpack(in)
	require.NoError(t, err)
	require.LessOrEqual(t, len(b), MaxFilterBodyLen)

	var out filterBody
	require.NoError(t, UnpackMsgpack(b, &out))
	require.Equal(t, in, out)
}

func TestZstdRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("hello world "), 10_000)

	var compressed bytes.Buffer
	_, err := CompressStream(&compressed, bytes.NewReader(content))
	require.NoError(t, err)

	dec, err := NewDecompressor()
	require.NoError(t, err)
	defer dec.Close()

	var decompressed bytes.Buffer
	n, err := dec.DecompressStream(&decompressed, bytes.NewReader(compressed.Bytes()))
	require.NoError(t, err)
	require.EqualValues(t, len(content), n)
	require.True(t, bytes.Equal(decompressed.Bytes(), content))
}

func TestDecompressorReusableAcrossStreams(t *testing.T) {
	dec, err := NewDecompressor()
	require.NoError(t, err)
	defer dec.Close()

	for i, payload := range [][]byte{[]byte("first"), []byte("second, a bit longer"), []byte("third")} {
		var compressed bytes.Buffer
		_, err := CompressStream(&compressed, bytes.NewReader(payload))
		require.NoErrorf(t, err, "stream %d", i)

		var out bytes.Buffer
		_, err = dec.DecompressStream(&out, bytes.NewReader(compressed.Bytes()))
		require.NoErrorf(t, err, "stream %d", i)
		require.Truef(t, bytes.Equal(out.Bytes(), payload), "stream %d mismatch", i)
	}
}
