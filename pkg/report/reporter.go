// Package report writes the console progress and summary lines of a
// compression run.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Sternrassler/media-compressor/pkg/batch"
)

const bytesPerMB = 1024 * 1024

// Reporter prints human-readable run progress. Its methods never fail; write
// errors on the underlying writer are ignored.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
}

// New returns a Reporter writing to w, or to stdout if w is nil.
func New(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{out: w}
}

// Progress reports a finished page. requestCount is the quota counter value
// after the page's list call.
func (r *Reporter) Progress(batchCount, requestCount int, spaceSaved int64) {
	r.printf("Processed %d images in batch %d.\n", batchCount, requestCount)
	r.printf("Total space saved after processing this batch: %s MB\n", MB(spaceSaved))
}

// Pausing announces a rate-limit pause of d.
func (r *Reporter) Pausing(d time.Duration) {
	r.printf("Approaching rate limit, pausing for %s...\n", humanDuration(d))
}

// Summary prints the final totals block. A non-nil err means the run
// stopped before the collection was exhausted and the totals are partial.
func (r *Reporter) Summary(totals batch.Totals, err error) {
	if err != nil {
		r.printf("Run stopped early, totals so far\n")
	} else {
		r.printf("All images processed\n")
	}
	r.printf("Space Saved: %s MB\n", MB(totals.SpaceSaved()))
	r.printf("Original Size of images: %s MB\n", MB(totals.OriginalBytes))
	r.printf("Size of images now: %s MB\n", MB(totals.CompressedBytes))
}

// MB formats n bytes as mebibytes with two decimals.
func MB(n int64) string {
	return fmt.Sprintf("%.2f", float64(n)/bytesPerMB)
}

func humanDuration(d time.Duration) string {
	if d == time.Hour {
		return "an hour"
	}
	return d.String()
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
