package domain

import (
	"fmt"
	"math"
	"time"
)

// StatSample is a running snapshot of cumulative transport counters. It is
// overwritten on every sampling tick and exists only to compute the delta
// for the next ConnectionStats.
type StatSample struct {
	At     time.Time
	Bytes  uint64
	Frames uint64
}

// ConnectionStats is the per-tick derived view of a session's transport.
// Consumers receive a fresh value on every tick; nothing is persisted.
type ConnectionStats struct {
	BitrateKbps int
	FPS         int
	Resolution  string
	LatencyMs   int
}

// ComputeStats derives ConnectionStats from two consecutive samples.
// With no prior sample (zero time), bitrate and fps are 0 and the
// resolution is empty.
func ComputeStats(prev, cur StatSample, width, height int, rtt time.Duration) ConnectionStats {
	if prev.At.IsZero() {
		return ConnectionStats{}
	}

	dt := cur.At.Sub(prev.At).Seconds()
	if dt <= 0 {
		return ConnectionStats{}
	}

	stats := ConnectionStats{
		BitrateKbps: int(math.Round(float64(cur.Bytes-prev.Bytes) * 8 / dt / 1000)),
		FPS:         int(math.Round(float64(cur.Frames-prev.Frames) / dt)),
	}
	if width > 0 && height > 0 {
		stats.Resolution = fmt.Sprintf("%dx%d", width, height)
	}
	if rtt > 0 {
		stats.LatencyMs = int(rtt.Milliseconds())
	}
	return stats
}
