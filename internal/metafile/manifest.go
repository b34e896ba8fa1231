package metafile

import (
	"encoding/json"
	"fmt"

	"github.com/tier4/otaimg/internal/otaerr"
)

// ReleaseKey distinguishes a development build from a production one for a
// given ECU (spec.md §3).
type ReleaseKey string

const (
	ReleaseKeyDev ReleaseKey = "dev"
	ReleaseKeyPrd ReleaseKey = "prd"
)

// Valid reports whether k is one of the two recognized release keys.
func (k ReleaseKey) Valid() bool { return k == ReleaseKeyDev || k == ReleaseKeyPrd }

// ImageIdentifier names a single image within an ImageIndex: the ECU it
// targets and whether it is a dev or prd build (spec.md §3, invariant 10).
type ImageIdentifier struct {
	ECUID      string     `json:"ecuId"`
	ReleaseKey ReleaseKey `json:"releaseKey"`
}

func (id ImageIdentifier) String() string {
	return fmt.Sprintf("%s/%s", id.ECUID, id.ReleaseKey)
}

// ImageManifestSchemaVersion is the schema version this package emits and
// requires on ingest for ImageManifest.
const ImageManifestSchemaVersion = 2

// ImageManifest is the per-image-payload metafile: it points to one
// ImageConfig and one or more FileTable layers, the first of which is the
// file table itself (spec.md §3).
type ImageManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// NewImageManifest builds an ImageManifest for id, pinning the schema
// version and canonical media type and stamping the ECU/release-key
// annotations spec.md §3 requires for identification.
func NewImageManifest(id ImageIdentifier, config Descriptor, layers []Descriptor) ImageManifest {
	return ImageManifest{
		SchemaVersion: ImageManifestSchemaVersion,
		MediaType:     MediaTypeImageManifest,
		Config:        config,
		Layers:        layers,
		Annotations: map[string]string{
			AnnotationKeyECUID:      id.ECUID,
			AnnotationKeyReleaseKey: string(id.ReleaseKey),
		},
	}
}

// Identifier extracts the (ecuId, releaseKey) pair carried in m's
// annotations.
func (m ImageManifest) Identifier() (ImageIdentifier, error) {
	ecuID, ok := m.Annotations[AnnotationKeyECUID]
	if !ok || ecuID == "" {
		return ImageIdentifier{}, fmt.Errorf("image manifest missing %s annotation: %w", AnnotationKeyECUID, otaerr.NotFound)
	}
	rk := ReleaseKey(m.Annotations[AnnotationKeyReleaseKey])
	if !rk.Valid() {
		return ImageIdentifier{}, fmt.Errorf("image manifest has invalid %s annotation %q", AnnotationKeyReleaseKey, rk)
	}
	return ImageIdentifier{ECUID: ecuID, ReleaseKey: rk}, nil
}

// FileTable returns the first layer descriptor, which spec.md §3 pins as
// the file table.
func (m ImageManifest) FileTable() (Descriptor, error) {
	if len(m.Layers) == 0 {
		return Descriptor{}, fmt.Errorf("image manifest has no layers: %w", otaerr.NotFound)
	}
	return m.Layers[0], nil
}

// ParseImageManifest decodes and validates an ImageManifest, rejecting a
// schema version or media type other than the one this package emits.
func ParseImageManifest(data []byte) (ImageManifest, error) {
	var m ImageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ImageManifest{}, fmt.Errorf("parse image manifest: %w", err)
	}
	if m.SchemaVersion != ImageManifestSchemaVersion {
		return ImageManifest{}, fmt.Errorf("image manifest schema version %d, want %d: %w", m.SchemaVersion, ImageManifestSchemaVersion, otaerr.BadSchemaVersion)
	}
	if !imageManifestMediaType.Accepts(m.MediaType) {
		return ImageManifest{}, fmt.Errorf("image manifest media type %q: %w", m.MediaType, otaerr.BadMediaType)
	}
	m.MediaType = imageManifestMediaType.Canonical
	return m, nil
}

// ToJSONBytes serializes m, always emitting the canonical media type
// (spec.md §4.3: "When serializing: always emit the canonical media type").
func (m ImageManifest) ToJSONBytes() ([]byte, error) {
	m.MediaType = imageManifestMediaType.Canonical
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize image manifest: %w", err)
	}
	return b, nil
}
