package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter.
var Stats = &stats{}

type stats struct {
	Started   atomic.Int64 // transfers started in either direction
	Completed atomic.Int64 // transfers that reached complete
	Failed    atomic.Int64 // transfers that ended in error
	BytesSent atomic.Int64 // cumulative chunk bytes handed to data channels
	BytesRecv atomic.Int64 // cumulative chunk bytes received from data channels
}

func (s *stats) AddStarted()   { s.Started.Add(1) }
func (s *stats) AddCompleted() { s.Completed.Add(1) }
func (s *stats) AddFailed()    { s.Failed.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer throughput every
// interval. Quiet intervals are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS,
						Stats.Started.Load(), Stats.Completed.Load(), Stats.Failed.Load()))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with a fixed
// width of 8 characters, e.g. "99.0   B", " 1.5 KiB", "98.9 GiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted summary line for the logger.
func formatStats(inS, outS float64, started, completed, failed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Transfers: %d started, %d done, %d failed",
		FormatBytes(inS),
		FormatBytes(outS),
		started,
		completed,
		failed,
	)
}
