// Package progressio reports progress for the toolkit's long-running
// operations — currently deploy-image's reconstruction pass — wrapping
// schollz/progressbar/v3.
package progressio

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const updateInterval = 50 * time.Millisecond

// Bar wraps progressbar with enabled/disabled handling. All methods are
// no-ops when disabled, so callers never need to branch on whether
// progress reporting was requested.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar. If enabled is false, every method on the
// returned Bar is a no-op. Use total=-1 for spinner mode (unknown
// total), or total>0 for determinate progress.
func New(enabled bool, total int64) *Bar {
	if !enabled {
		return &Bar{}
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
	}

	if total < 0 {
		opts = append(opts,
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(false),
		)
		return &Bar{bar: progressbar.NewOptions(-1, opts...)}
	}

	opts = append(opts, progressbar.OptionSetWidth(40))
	return &Bar{bar: progressbar.NewOptions64(total, opts...)}
}

// Add advances the bar by delta units (bytes reconstructed, entries
// deployed, resources verified — whichever unit the caller is counting).
func (b *Bar) Add(delta int64) {
	if b.bar != nil {
		_ = b.bar.Add64(delta)
	}
}

// Set sets the bar to an absolute value.
func (b *Bar) Set(n int64) {
	if b.bar != nil {
		_ = b.bar.Set64(n)
	}
}

// Describe updates the bar's description line.
func (b *Bar) Describe(s fmt.Stringer) {
	if b.bar != nil {
		b.bar.Describe(s.String())
	}
}

// Finish completes the bar and prints a final summary line.
func (b *Bar) Finish(s fmt.Stringer) {
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	fmt.Fprintln(os.Stderr, "done: "+s.String())
}
