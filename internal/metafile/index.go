package metafile

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tier4/otaimg/internal/otaerr"
)

// ImageIndexSchemaVersion is the schema version this package emits and
// requires on ingest for ImageIndex.
const ImageIndexSchemaVersion = 2

// ImageIndex is the top-level metafile (spec.md §3): an ordered list of
// ImageManifest/resource-table/otaclient-package descriptors plus build
// metadata annotations. Lifecycle is gate-checked by Finalize and Sign
// (invariants 8 and 9).
type ImageIndex struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Manifests     []Descriptor      `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// NewImageIndex returns an empty, unfinalized ImageIndex.
func NewImageIndex() ImageIndex {
	return ImageIndex{
		SchemaVersion: ImageIndexSchemaVersion,
		MediaType:     MediaTypeImageIndex,
		Annotations:   map[string]string{},
	}
}

// ImageFinalized reports whether created_at has been stamped (invariant 8).
func (idx ImageIndex) ImageFinalized() bool {
	_, ok := idx.Annotations[AnnotationKeyCreated]
	return ok
}

// ImageSigned reports whether signed_at has been stamped (invariant 9).
func (idx ImageIndex) ImageSigned() bool {
	_, ok := idx.Annotations[AnnotationKeySignedAt]
	return ok
}

// ImageCanBeSigned reports whether idx is eligible for signing: finalized
// and (unless force is later applied by the caller) not already signed.
func (idx ImageIndex) ImageCanBeSigned() bool {
	return idx.ImageFinalized() && !idx.ImageSigned()
}

// AddImage appends an ImageManifest descriptor, rejecting a duplicate
// (ecu_id, release_key) identifier per invariant 10. idx must not be
// finalized.
func (idx *ImageIndex) AddImage(id ImageIdentifier, desc Descriptor) error {
	if idx.ImageFinalized() {
		return fmt.Errorf("add image to finalized index: %w", otaerr.Finalized)
	}
	if _, _, err := idx.FindImage(id); err == nil {
		return fmt.Errorf("image %s already present in index", id)
	}
	desc.MediaType = imageManifestMediaType.Canonical
	if desc.Annotations == nil {
		desc.Annotations = map[string]string{}
	}
	desc.Annotations[AnnotationKeyECUID] = id.ECUID
	desc.Annotations[AnnotationKeyReleaseKey] = string(id.ReleaseKey)
	idx.Manifests = append(idx.Manifests, desc)
	return nil
}

// AddOTAClientPackage appends an opaque otaclient-package manifest
// descriptor, modeled as an unexamined pass-through entry (SPEC_FULL
// §4 supplement).
func (idx *ImageIndex) AddOTAClientPackage(desc Descriptor) error {
	if idx.ImageFinalized() {
		return fmt.Errorf("add otaclient package to finalized index: %w", otaerr.Finalized)
	}
	if err := desc.Validate(otaclientPkgMediaType); err != nil {
		return err
	}
	idx.Manifests = append(idx.Manifests, desc.Canonicalize(otaclientPkgMediaType))
	return nil
}

// UpdateResourceTable sets (or replaces) the single resource-table
// descriptor in idx, removing any previous one. idx must not be
// finalized.
func (idx *ImageIndex) UpdateResourceTable(desc Descriptor) error {
	if idx.ImageFinalized() {
		return fmt.Errorf("update resource table on finalized index: %w", otaerr.Finalized)
	}
	if err := desc.Validate(resourceTableMediaType); err != nil {
		if err := desc.Validate(resourceTableZstdType); err != nil {
			return err
		}
	}
	kept := idx.Manifests[:0]
	for _, d := range idx.Manifests {
		if resourceTableMediaType.Accepts(d.MediaType) || resourceTableZstdType.Accepts(d.MediaType) {
			continue
		}
		kept = append(kept, d)
	}
	idx.Manifests = append(kept, desc)
	return nil
}

// FindImage locates the ImageManifest descriptor matching id, returning
// its position in Manifests alongside it.
func (idx ImageIndex) FindImage(id ImageIdentifier) (Descriptor, int, error) {
	for i, d := range idx.Manifests {
		if !imageManifestMediaType.Accepts(d.MediaType) {
			continue
		}
		if d.Annotations[AnnotationKeyECUID] == id.ECUID && d.Annotations[AnnotationKeyReleaseKey] == string(id.ReleaseKey) {
			return d, i, nil
		}
	}
	return Descriptor{}, -1, fmt.Errorf("image %s: %w", id, otaerr.NotFound)
}

// FindOTAClientPackages returns every otaclient-package manifest
// descriptor present in idx.
func (idx ImageIndex) FindOTAClientPackages() []Descriptor {
	var out []Descriptor
	for _, d := range idx.Manifests {
		if otaclientPkgMediaType.Accepts(d.MediaType) {
			out = append(out, d)
		}
	}
	return out
}

// ResourceTable returns the single resource-table descriptor, if present.
func (idx ImageIndex) ResourceTable() (Descriptor, error) {
	for _, d := range idx.Manifests {
		if resourceTableMediaType.Accepts(d.MediaType) || resourceTableZstdType.Accepts(d.MediaType) {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("index has no resource table: %w", otaerr.NotFound)
}

// FinalizeImage stamps created_at and the blob totals, making idx
// immutable except for a later Sign call (invariant 8). now is the
// caller-supplied current time in RFC 3339 form, so callers control the
// clock source rather than this package reaching for one itself.
func (idx *ImageIndex) FinalizeImage(now string, totalBlobsCount, totalBlobsSize int64) error {
	if idx.ImageFinalized() {
		return fmt.Errorf("finalize already-finalized index: %w", otaerr.Finalized)
	}
	if idx.Annotations == nil {
		idx.Annotations = map[string]string{}
	}
	idx.Annotations[AnnotationKeyCreated] = now
	idx.Annotations[AnnotationKeyTotalBlobsCount] = strconv.FormatInt(totalBlobsCount, 10)
	idx.Annotations[AnnotationKeyTotalBlobsSize] = strconv.FormatInt(totalBlobsSize, 10)
	return nil
}

// FinalizeSigningImage stamps signed_at. force allows re-signing an
// already-signed index; otherwise a second call fails with
// otaerr.AlreadySigned (invariant 9, spec.md §4.7 step 1).
func (idx *ImageIndex) FinalizeSigningImage(now string, force bool) error {
	if !idx.ImageFinalized() {
		return fmt.Errorf("sign unfinalized index: %w", otaerr.NotFinalized)
	}
	if idx.ImageSigned() && !force {
		return fmt.Errorf("sign already-signed index: %w", otaerr.AlreadySigned)
	}
	idx.Annotations[AnnotationKeySignedAt] = now
	return nil
}

// ParseImageIndex decodes and validates an ImageIndex.
func ParseImageIndex(data []byte) (ImageIndex, error) {
	var idx ImageIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return ImageIndex{}, fmt.Errorf("parse image index: %w", err)
	}
	if idx.SchemaVersion != ImageIndexSchemaVersion {
		return ImageIndex{}, fmt.Errorf("image index schema version %d, want %d: %w", idx.SchemaVersion, ImageIndexSchemaVersion, otaerr.BadSchemaVersion)
	}
	if !imageIndexMediaType.Accepts(idx.MediaType) {
		return ImageIndex{}, fmt.Errorf("image index media type %q: %w", idx.MediaType, otaerr.BadMediaType)
	}
	idx.MediaType = imageIndexMediaType.Canonical
	return idx, nil
}

// ToJSONBytes serializes idx, always emitting the canonical media type.
func (idx ImageIndex) ToJSONBytes() ([]byte, error) {
	idx.MediaType = imageIndexMediaType.Canonical
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("serialize image index: %w", err)
	}
	return b, nil
}
