package util

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

// TrafficSnapshot is a point-in-time reading of relay counters.
type TrafficSnapshot struct {
	Clients   int   // currently connected clients
	Joined    int64 // cumulative accepted connections
	Left      int64 // cumulative closed connections
	BytesIn   int64 // cumulative bytes read from clients
	BytesOut  int64 // cumulative bytes written to clients
	Forwarded int64 // cumulative frames forwarded
	Dropped   int64 // cumulative frames dropped on full queues
}

// TrafficSampler is implemented by anything that can report traffic counters.
type TrafficSampler interface {
	Snapshot() TrafficSnapshot
}

// StartStatsReporter launches a goroutine that logs relay traffic every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, sampler TrafficSampler, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev TrafficSnapshot
		for {
			select {
			case <-ticker.C:
				cur := sampler.Snapshot()
				secs := interval.Seconds()

				inS := float64(cur.BytesIn-prev.BytesIn) / secs
				outS := float64(cur.BytesOut-prev.BytesOut) / secs
				joined := cur.Joined - prev.Joined
				left := cur.Left - prev.Left
				dropped := cur.Dropped - prev.Dropped

				if joined > 0 || left > 0 || dropped > 0 || inS > 0 || outS > 0 {
					pterm.DefaultLogger.Info(formatStats(cur.Clients, inS, outS, joined, left, dropped))
				}

				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders a byte count as a fixed 8-char string, e.g. " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) from appearing
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(clients int, inS, outS float64, joined, left, dropped int64) string {
	return fmt.Sprintf("Clients: %2d | In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Dropped: %d",
		clients,
		formatBytes(inS),
		formatBytes(outS),
		joined,
		left,
		dropped,
	)
}
