package metafile

import (
	"encoding/json"
	"fmt"

	"github.com/tier4/otaimg/internal/otaerr"
)

// ImageConfigSchemaVersion is the schema version this package emits and
// requires on ingest for ImageConfig.
const ImageConfigSchemaVersion = 1

// ImageStats carries the per-image totals an ImageConfig reports
// (original_source's image_config/schema.py, a SUPPLEMENT detail not
// itemized in spec.md §3 beyond "statistics").
type ImageStats struct {
	RegularCount    int64 `json:"regularCount"`
	NonRegularCount int64 `json:"nonRegularCount"`
	DirCount        int64 `json:"dirCount"`
	TotalSize       int64 `json:"totalSize"`
	UniqueFileCount int64 `json:"uniqueFileCount"`
}

// ImageConfig is the per-image metafile pointing at the file table and an
// optional sys config, carrying build metadata and statistics (spec.md
// §3).
type ImageConfig struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Description   string            `json:"description,omitempty"`
	Created       string            `json:"created,omitempty"`
	Architecture  string            `json:"architecture,omitempty"`
	OS            string            `json:"os,omitempty"`
	OSVersion     string            `json:"osVersion,omitempty"`
	FileTable     Descriptor        `json:"fileTable"`
	SysConfig     *Descriptor       `json:"sysConfig,omitempty"`
	Stats         ImageStats        `json:"stats"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// NewImageConfig builds an ImageConfig pinning the schema version and
// canonical media type this package requires on ingest.
func NewImageConfig(fileTable Descriptor, stats ImageStats) ImageConfig {
	return ImageConfig{
		SchemaVersion: ImageConfigSchemaVersion,
		MediaType:     MediaTypeImageConfig,
		FileTable:     fileTable,
		Stats:         stats,
	}
}

// ParseImageConfig decodes and validates an ImageConfig.
func ParseImageConfig(data []byte) (ImageConfig, error) {
	var c ImageConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return ImageConfig{}, fmt.Errorf("parse image config: %w", err)
	}
	if c.SchemaVersion != ImageConfigSchemaVersion {
		return ImageConfig{}, fmt.Errorf("image config schema version %d, want %d: %w", c.SchemaVersion, ImageConfigSchemaVersion, otaerr.BadSchemaVersion)
	}
	if !imageConfigMediaType.Accepts(c.MediaType) {
		return ImageConfig{}, fmt.Errorf("image config media type %q: %w", c.MediaType, otaerr.BadMediaType)
	}
	c.MediaType = imageConfigMediaType.Canonical
	return c, nil
}

// ToJSONBytes serializes c, always emitting the canonical media type.
func (c ImageConfig) ToJSONBytes() ([]byte, error) {
	c.MediaType = imageConfigMediaType.Canonical
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("serialize image config: %w", err)
	}
	return b, nil
}
