package dashboard

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// The formatting helpers below turn raw counter pairs into the strings the
// dashboard renders. They are free functions over plain integers, so the
// template data assembly in [FSDashboard.collectMetrics] stays a flat list
// of calls and the formatting rules are testable without a filesystem.

// avgDuration renders the mean duration of count operations taking
// totalNs nanoseconds altogether. A zero count is treated as one, so the
// whole of totalNs is reported.
func avgDuration(totalNs, count int64) string {
	return time.Duration(totalNs / max(1, count)).String()
}

// throughput renders totalBytes moved over totalNs nanoseconds as a
// per-second rate, or "0 B/s" when no time was ever booked.
func throughput(totalBytes, totalNs int64) string {
	if totalNs == 0 {
		return "0 B/s"
	}

	bps := float64(totalBytes) / (float64(totalNs) / float64(time.Second))

	return humanize.IBytes(uint64(bps)) + "/s"
}

// hitRatio renders hits against misses as a percentage of all attempts.
func hitRatio(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "0.00%"
	}

	return fmt.Sprintf("%.2f%%", float64(hits)/float64(total)*100) //nolint:mnd
}

// avgSize renders the mean payload of count operations moving totalBytes.
// A zero count reads as "0 B".
func avgSize(totalBytes, count int64) string {
	if count == 0 {
		return "0 B"
	}

	return humanize.IBytes(uint64(totalBytes / count)) //nolint:gosec
}

// clampedBytes renders a byte counter, flooring negative intermediate
// states (counters are updated non-atomically as a group) at zero.
func clampedBytes(n int64) string {
	if n < 0 {
		n = 0
	}

	return humanize.IBytes(uint64(n))
}

// enabledOrDisabled returns string "Enabled" or "Disabled" based on a boolean.
func enabledOrDisabled(v bool) string {
	if v {
		return "Enabled"
	}

	return "Disabled"
}
