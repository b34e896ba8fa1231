package metafile

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tier4/otaimg/internal/otaerr"
)

// SwapCfg describes a swap file or partition to configure on deploy
// (original_source's image_config/sys_config.py SwapCfg, a SUPPLEMENT
// detail under spec.md §3's "swap" field).
type SwapCfg struct {
	Path string `yaml:"path"`
	Size string `yaml:"size,omitempty"`
}

// MountCfg describes an extra mount point beyond the rootfs itself.
type MountCfg struct {
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	FSType      string `yaml:"fstype,omitempty"`
	Options     string `yaml:"options,omitempty"`
	MountAtBoot bool   `yaml:"mountAtBoot,omitempty"`
}

// NetworkCfg holds network-level deploy-time configuration.
type NetworkCfg struct {
	Hostname    string   `yaml:"hostname,omitempty"`
	Nameservers []string `yaml:"nameservers,omitempty"`
}

// OTAClientECUInfo and OTAClientProxyInfo are opaque nested blocks carried
// through to the otaclient agent unexamined by this toolkit.
type OTAClientECUInfo map[string]any
type OTAClientProxyInfo map[string]any

// SysConfig is the optional per-image YAML metafile describing rootfs
// deploy-time system configuration (spec.md §3).
type SysConfig struct {
	Hostname          string              `yaml:"hostname,omitempty"`
	ExtraMount        []MountCfg          `yaml:"extraMount,omitempty"`
	Swap              []SwapCfg           `yaml:"swap,omitempty"`
	Sysctl            map[string]string   `yaml:"sysctl,omitempty"`
	PersistFiles      []string            `yaml:"persistFiles,omitempty"`
	Network            *NetworkCfg        `yaml:"network,omitempty"`
	OTAClientECUInfo   OTAClientECUInfo   `yaml:"otaclientEcuInfo,omitempty"`
	OTAClientProxyInfo OTAClientProxyInfo `yaml:"otaclientProxyInfo,omitempty"`
}

// ParseSysConfig decodes a SysConfig blob, gated on mediaType matching the
// canonical value or the documented legacy alternate
// (`…config.v1+yaml`, spec.md §9).
func ParseSysConfig(data []byte, mediaType string) (SysConfig, error) {
	if !sysConfigMediaType.Accepts(mediaType) {
		return SysConfig{}, fmt.Errorf("sys config media type %q: %w", mediaType, otaerr.BadMediaType)
	}
	var c SysConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return SysConfig{}, fmt.Errorf("parse sys config: %w", err)
	}
	return c, nil
}

// ToYAMLBytes serializes c. Callers always pair this with the canonical
// media type (MediaTypeSysConfig) when building a Descriptor; the legacy
// alternate is accepted on ingest only, never emitted.
func (c SysConfig) ToYAMLBytes() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("serialize sys config: %w", err)
	}
	return b, nil
}
