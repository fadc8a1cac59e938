// Package quota implements the per-extension Quota Budget of §3 and the
// quota enforcement rules of §4.3, generalized from
// infrastructure/ratelimit.RateLimiter's dual limiter (golang.org/x/time/rate)
// and system/sandbox/ipc.go's IPCRateLimiter tumbling-window reset
// (`if now.Sub(windowStart) > windowSize { reset }`) from a single window to
// the spec's explicit 1s/10s pair plus always-counted lifetime counters.
package quota

import "time"

// tumblingWindow counts events in one-second buckets over a fixed span,
// evicting buckets older than the span rather than resetting wholesale —
// the generalization of IPCRateLimiter's single reset-on-expiry window to a
// second-granularity ring so stale bursts age out smoothly.
type tumblingWindow struct {
	span    time.Duration
	buckets map[int64]int
}

func newTumblingWindow(span time.Duration) *tumblingWindow {
	return &tumblingWindow{span: span, buckets: make(map[int64]int)}
}

func bucketKey(t time.Time) int64 {
	return t.Unix()
}

func (w *tumblingWindow) evict(now time.Time) {
	cutoff := bucketKey(now) - int64(w.span/time.Second) + 1
	for k := range w.buckets {
		if k < cutoff {
			delete(w.buckets, k)
		}
	}
}

// Count returns the number of events recorded within the trailing window.
func (w *tumblingWindow) Count(now time.Time) int {
	w.evict(now)
	total := 0
	for _, n := range w.buckets {
		total += n
	}
	return total
}

// Add records one event at now.
func (w *tumblingWindow) Add(now time.Time) {
	w.evict(now)
	w.buckets[bucketKey(now)]++
}
