// Package otaconfig parses and validates the CLI-facing configuration
// values shared across the otaimg subcommands: human-readable size
// strings, ECU/release-key selectors, and worker-count bounds.
package otaconfig

import (
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"

	"github.com/tier4/otaimg/internal/metafile"
)

// ParseSize parses a human-readable size string into bytes. Supports
// formats like "100", "1K", "1MB", "1GiB".
func ParseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("otaconfig: parse size %q: %w", s, err)
	}
	return int64(bytes), nil
}

// ParseReleaseKey validates a --release-key flag value, defaulting to
// prd when s is empty.
func ParseReleaseKey(s string) (metafile.ReleaseKey, error) {
	if s == "" {
		return metafile.ReleaseKeyPrd, nil
	}
	rk := metafile.ReleaseKey(s)
	if !rk.Valid() {
		return "", fmt.Errorf("otaconfig: invalid release key %q, want \"dev\" or \"prd\"", s)
	}
	return rk, nil
}

// WorkerCount resolves a --workers/--worker-threads flag value: 0 or
// negative means "default to GOMAXPROCS", otherwise the requested count
// is used as-is.
func WorkerCount(requested int) int {
	if requested > 0 {
		return requested
	}
	return runtime.GOMAXPROCS(0)
}

// ValidateECUID checks that an --ecu-id flag value is non-empty. ECU IDs
// are opaque strings defined by the image's lookup table, so beyond
// non-emptiness there is nothing generic to validate here.
func ValidateECUID(ecuID string) error {
	if ecuID == "" {
		return fmt.Errorf("otaconfig: --ecu-id must not be empty")
	}
	return nil
}
