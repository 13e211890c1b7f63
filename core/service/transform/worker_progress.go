package transform

import (
	"fmt"
	"io"

	"transform_worker/core/domain"
)

// ProgressFunc receives a cumulative snapshot once at startup (batch 0) and
// once after each completed batch. Implementations must not retain the map.
type ProgressFunc func(p domain.TransformProgress)

// PlainProgress writes one progress line per event to w, suitable for logs
// and non-TTY output.
func PlainProgress(w io.Writer) ProgressFunc {
	return func(p domain.TransformProgress) {
		if p.BatchNum == 0 {
			fmt.Fprintf(w, "transforming %d emails in %d batches\n", p.Total, p.TotalBatches)
			return
		}
		fmt.Fprintf(w, "batch %d/%d done: %d/%d processed, %d failed (tiers s=%d p=%d u=%d, full=%d chunked=%d)\n",
			p.BatchNum, p.TotalBatches, p.Processed, p.Total, p.Failed,
			p.ByTier[domain.TierSensitive], p.ByTier[domain.TierPersonal], p.ByTier[domain.TierPublic],
			p.BodyFull, p.BodyChunked)
	}
}
