package metafile

// Annotation keys used across image index, image manifest, and descriptor
// annotation maps (spec.md §3, §6; key strings per original_source's
// v1/annotation_keys.py, carried forward unchanged as a SUPPLEMENT detail).
const (
	AnnotationKeyCreated          = "org.opencontainers.image.created"
	AnnotationKeyBuildToolVersion = "ai.tier4.ota-image.build-tool-version"
	AnnotationKeySignedAt         = "ai.tier4.ota-image.signed-at"
	AnnotationKeyECUID            = "ai.tier4.ota-image.ecu-id"
	AnnotationKeyReleaseKey       = "ai.tier4.ota-image.release-key"

	AnnotationKeyTotalBlobsCount = "ai.tier4.ota-image.total-blobs-count"
	AnnotationKeyTotalBlobsSize  = "ai.tier4.ota-image.total-blobs-size"

	// AnnotationKeyLabelsPrefix namespaces free-form project labels folded
	// into an ImageIndex's annotation map.
	AnnotationKeyLabelsPrefix = "ai.tier4.ota-image.labels."

	AnnotationKeyTitle = "org.opencontainers.image.title"
)
