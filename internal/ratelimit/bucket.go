// Package ratelimit implements the three-layer admission control:
// a global token bucket, one bucket per TCP connection, and one bucket
// per API key, plus a sliding-window counter for statistics and
// administrative blocking.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with capacity = burst and refill rate =
// perMinute/60 tokens per second.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a bucket from a requests-per-minute budget.
func NewBucket(perMinute float64, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
	}
}

// Take reserves one token at now and returns the delay until it is
// usable plus a cancel that refunds it. A zero delay means the token is
// held; any other outcome must be cancelled so a rejected request
// consumes nothing.
func (b *Bucket) Take(now time.Time) (time.Duration, func()) {
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute, func() {}
	}
	return r.DelayFrom(now), func() { r.CancelAt(now) }
}

// SlidingWindow counts events over a rolling window. It backs the
// statistics surface and administrative blocking decisions; admission
// itself is the buckets' job.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
}

// NewSlidingWindow creates a counter over the given window.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window}
}

// Record adds one event at now.
func (w *SlidingWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.events = append(w.events, now)
}

// Count returns the number of events inside the window ending at now.
func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.events)
}

func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
