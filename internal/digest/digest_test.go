package digest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBytesRoundTripsThroughString(t *testing.T) {
	d := FromBytes([]byte("hello\nworld\n"))
	parsed, err := Parse(d.String())
	require.NoError(t, err)
	require.True(t, parsed.Equal(d))
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	content := bytes.Repeat([]byte("X"), 200_000)
	want := FromBytes(content)

	got, n, err := FromReader(bytes.NewReader(content))
	require.NoError(t, err)
	require.EqualValues(t, len(content), n)
	require.True(t, got.Equal(want))
}

func TestParseRejectsNonSHA256(t *testing.T) {
	_, err := Parse("sha512:" + strings.Repeat("a", 128))
	require.Error(t, err)
}

func TestHexAndRawBytesRoundTrip(t *testing.T) {
	d := FromBytes([]byte("abc"))
	raw := d.Bytes()

	reconstructed, err := FromRawBytes(raw)
	require.NoError(t, err)
	require.True(t, reconstructed.Equal(d))

	fromHex, err := FromHex(d.Hex())
	require.NoError(t, err)
	require.True(t, fromHex.Equal(d))
}

func TestVerifyDetectsMismatch(t *testing.T) {
	want := FromBytes([]byte("expected"))
	require.Error(t, Verify(strings.NewReader("different"), want))
}

func TestVerifyAcceptsMatch(t *testing.T) {
	content := []byte("matching content")
	want := FromBytes(content)
	require.NoError(t, Verify(bytes.NewReader(content), want))
}
