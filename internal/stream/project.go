// Package stream animates a streamed balance between confirmed on-chain reads.
package stream

import (
	"math"
	"time"
)

// Project returns base + ratePerSecond × (now − observedAt).
// A non-positive rate, or now before observedAt, yields base.
func Project(base, ratePerSecond float64, observedAt, now time.Time) float64 {
	if ratePerSecond <= 0 {
		return base
	}
	elapsed := now.Sub(observedAt).Seconds()
	if elapsed <= 0 {
		return base
	}
	return base + ratePerSecond*elapsed
}

// Within reports whether a and b differ by at most epsilon.
func Within(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}
