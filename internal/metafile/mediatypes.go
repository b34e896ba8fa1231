package metafile

// Canonical media types (spec.md §6). These are the values this toolkit
// always emits; MediaTypeSpec below also tracks the deprecated alternates
// each kind still accepts on ingest.
const (
	MediaTypeImageIndex    = "application/vnd.oci.image.index.v1+json"
	MediaTypeImageManifest = "application/vnd.oci.image.manifest.v1+json"

	ArtifactTypeOTAImage = "application/vnd.tier4.ota.file-based-ota-image.v1"

	MediaTypeFileTable         = "application/vnd.tier4.ota.file-based-ota-image.file_table.v1.sqlite3"
	MediaTypeFileTableZstd     = "application/vnd.tier4.ota.file-based-ota-image.file_table.v1.sqlite3+zstd"
	MediaTypeResourceTable     = "application/vnd.tier4.ota.file-based-ota-image.resource_table.v1.sqlite3"
	MediaTypeResourceTableZstd = "application/vnd.tier4.ota.file-based-ota-image.resource_table.v1.sqlite3+zstd"
	MediaTypeImageConfig       = "application/vnd.tier4.ota.file-based-ota-image.config.v1+json"

	// MediaTypeSysConfig is the current, canonical sys-config media type.
	MediaTypeSysConfig = "application/vnd.tier4.ota.sys-config.v1+yaml"
	// mediaTypeSysConfigLegacy is the media type an older builder emitted
	// for the same content; accepted on ingest only (spec.md §9).
	mediaTypeSysConfigLegacy = "application/vnd.tier4.ota.file-based-ota-image.config.v1+yaml"

	MediaTypeOTAClientPackageManifest = "application/vnd.tier4.otaclient.release-package.manifest.v1+json"
	MediaTypeOTAClientPayload         = "application/vnd.tier4.otaclient.release-package.v1.squashfs"
)

// MediaTypeSpec pins a single canonical media type and zero or more
// deprecated alternates accepted on ingest for backward compatibility
// (spec.md §4.3, §9).
type MediaTypeSpec struct {
	Canonical  string
	Alternates []string
}

// Accepts reports whether mt is the canonical value or one of the
// registered alternates.
func (s MediaTypeSpec) Accepts(mt string) bool {
	if mt == s.Canonical {
		return true
	}
	for _, alt := range s.Alternates {
		if mt == alt {
			return true
		}
	}
	return false
}

var (
	imageIndexMediaType    = MediaTypeSpec{Canonical: MediaTypeImageIndex}
	imageManifestMediaType = MediaTypeSpec{Canonical: MediaTypeImageManifest}
	fileTableMediaType     = MediaTypeSpec{Canonical: MediaTypeFileTable}
	fileTableZstdMediaType = MediaTypeSpec{Canonical: MediaTypeFileTableZstd}
	resourceTableMediaType = MediaTypeSpec{Canonical: MediaTypeResourceTable}
	resourceTableZstdType  = MediaTypeSpec{Canonical: MediaTypeResourceTableZstd}
	imageConfigMediaType   = MediaTypeSpec{Canonical: MediaTypeImageConfig}
	sysConfigMediaType     = MediaTypeSpec{Canonical: MediaTypeSysConfig, Alternates: []string{mediaTypeSysConfigLegacy}}
	otaclientPkgMediaType  = MediaTypeSpec{Canonical: MediaTypeOTAClientPackageManifest}
)
