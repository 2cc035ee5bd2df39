package util

import (
	"context"
	"fmt"
	"time"
)

// Sample is the subset of engine counters the reporter prints.
type Sample struct {
	BytesSent   int64
	BytesRecv   int64
	Delivered   int64
	Failed      int64
	Retransmits int64
}

// StartStatsReporter launches a goroutine that logs link statistics through
// log every interval. Quiet intervals are skipped. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, log Logger, interval time.Duration, sample func() Sample) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Sample
		for {
			select {
			case <-ticker.C:
				cur := sample()
				secs := interval.Seconds()
				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				delivered := cur.Delivered - prev.Delivered
				failed := cur.Failed - prev.Failed
				resent := cur.Retransmits - prev.Retransmits

				if delivered > 0 || failed > 0 || resent > 0 || inS > 10 || outS > 10 {
					log.Infof("%s", formatStats(inS, outS, delivered, failed, resent))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns one reporter line.
func formatStats(inS, outS float64, delivered, failed, resent int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Msg: %3d ok %2d failed | Resent: %3d",
		formatBytes(inS),
		formatBytes(outS),
		delivered,
		failed,
		resent,
	)
}
