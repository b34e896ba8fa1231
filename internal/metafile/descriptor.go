package metafile

import (
	"fmt"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"
)

// Descriptor is the typed, content-addressed pointer embedded throughout
// the image index, image manifest, and resource table: a media type, a
// digest into the blob store, a size, and optional annotations (spec.md
// §4.3, §6).
type Descriptor struct {
	MediaType    string            `json:"mediaType"`
	Digest       digest.Digest     `json:"digest"`
	Size         int64             `json:"size"`
	ArtifactType string            `json:"artifactType,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// NewDescriptor builds a Descriptor from a committed blob, pinning the
// caller-supplied canonical media type.
func NewDescriptor(mediaType string, digest digest.Digest, size int64) Descriptor {
	return Descriptor{MediaType: mediaType, Digest: digest, Size: size}
}

// WithAnnotations returns a copy of d with annotations attached.
func (d Descriptor) WithAnnotations(annotations map[string]string) Descriptor {
	d.Annotations = annotations
	return d
}

// WithArtifactType returns a copy of d with its artifact type set.
func (d Descriptor) WithArtifactType(artifactType string) Descriptor {
	d.ArtifactType = artifactType
	return d
}

// Validate checks that d's media type is accepted by spec and that its
// digest is non-zero. Descriptors are validated against spec on ingest,
// never on construction, so callers that build a Descriptor with
// NewDescriptor before a round trip through JSON never need to call this.
func (d Descriptor) Validate(spec MediaTypeSpec) error {
	if d.Digest.IsZero() {
		return fmt.Errorf("descriptor has zero digest: %w", otaerr.BadDigest)
	}
	if !spec.Accepts(d.MediaType) {
		return fmt.Errorf("descriptor media type %q not among %v: %w", d.MediaType, append([]string{spec.Canonical}, spec.Alternates...), otaerr.BadMediaType)
	}
	return nil
}

// Canonicalize rewrites d's media type to spec's canonical form, the
// "canonical on emit" half of the compatibility rule (spec.md §4.3). It
// assumes d has already been validated against the same spec.
func (d Descriptor) Canonicalize(spec MediaTypeSpec) Descriptor {
	d.MediaType = spec.Canonical
	return d
}
