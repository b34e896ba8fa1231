package resourcefilter

import (
	"errors"
	"testing"

	"github.com/tier4/otaimg/internal/otaerr"
)

func TestBundleRoundTrip(t *testing.T) {
	in := Bundle{BundleResourceID: 7, Offset: 100, Len: 50}
	wire, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if wire[0] != TagBundle || wire[1] != sep {
		t.Fatalf("unexpected wire prefix %q", wire[:2])
	}

	out, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := out.(Bundle)
	if !ok || got != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if got.ResourceIDs()[0] != 7 {
		t.Fatal("ResourceIDs should report the bundle referent")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	in := Compress{ResourceID: 3, CompressionAlg: CompressionAlgZstd}
	wire, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.(Compress) != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestCompressRejectsUnsupportedAlgorithm(t *testing.T) {
	in := Compress{ResourceID: 3, CompressionAlg: "lz4"}
	wire, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(wire); err == nil {
		t.Fatal("expected rejection of unsupported compression algorithm")
	}
}

func TestSliceRoundTripPreservesOrder(t *testing.T) {
	in := Slice{Slices: []int64{9, 2, 9, 4}}
	wire, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got := out.(Slice)
	if len(got.Slices) != len(in.Slices) {
		t.Fatalf("got %v, want %v", got.Slices, in.Slices)
	}
	for i := range in.Slices {
		if got.Slices[i] != in.Slices[i] {
			t.Fatalf("slice order not preserved: got %v, want %v", got.Slices, in.Slices)
		}
	}
}

func TestUnmarshalUnknownTagFails(t *testing.T) {
	_, err := Unmarshal([]byte("z:garbage"))
	if !errors.Is(err, otaerr.UnknownFilter) {
		t.Fatalf("expected otaerr.UnknownFilter, got %v", err)
	}
}

func TestIsLeafEncodingOnEmptyData(t *testing.T) {
	if !IsLeafEncoding(nil) {
		t.Fatal("nil filter_applied should be a leaf")
	}
	wire, _ := Marshal(Bundle{BundleResourceID: 1})
	if IsLeafEncoding(wire) {
		t.Fatal("encoded filter should not report as leaf")
	}
}
