// Package ratelimit provides per-key admission control for triggers: a
// token-bucket limiter (wrapping golang.org/x/time/rate, grounded on the
// 88lin-divinesense pack member's direct dependency on it) keyed through an
// xsync map matching the teacher's xsync-backed registries elsewhere in
// this codebase, and a sliding window alternative keyed through a
// mutex-guarded map.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// Result is returned by Consume.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket is a per-key token-bucket limiter. Refill rate is
// capacity/window per key; BurstLimit caps instantaneous burst size and must
// be <= capacity.
type TokenBucket struct {
	capacity   int
	window     time.Duration
	burst      int
	limiters   *xsync.MapOf[string, *rate.Limiter]
}

// NewTokenBucket builds a limiter; burstLimit <= 0 defaults to capacity.
func NewTokenBucket(capacity int, window time.Duration, burstLimit int) *TokenBucket {
	if burstLimit <= 0 || burstLimit > capacity {
		burstLimit = capacity
	}
	return &TokenBucket{
		capacity: capacity,
		window:   window,
		burst:    burstLimit,
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

func (b *TokenBucket) limiterFor(key string) *rate.Limiter {
	l, _ := b.limiters.LoadOrCompute(key, func() *rate.Limiter {
		perSec := float64(b.capacity) / b.window.Seconds()
		return rate.NewLimiter(rate.Limit(perSec), b.burst)
	})
	return l
}

// Consume attempts to take cost tokens from key's bucket.
func (b *TokenBucket) Consume(key string, cost int) Result {
	if cost <= 0 {
		cost = 1
	}
	l := b.limiterFor(key)
	res := l.ReserveN(time.Now(), cost)
	if !res.OK() {
		return Result{Allowed: false}
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true, Remaining: int(l.TokensAt(time.Now()))}
}

// Reset drops key's bucket so the next Consume starts fresh.
func (b *TokenBucket) Reset(key string) { b.limiters.Delete(key) }

// Dispose is a no-op for TokenBucket (no background goroutine to stop) but
// satisfies the common limiter shape used by both implementations.
func (b *TokenBucket) Dispose() {}

// SlidingWindow keeps the timestamps of the last N hits per key; a hit is
// allowed iff fewer than limit timestamps fall within [now-window, now].
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	stop   chan struct{}
}

// NewSlidingWindow creates a sliding-window limiter with a background
// sweeper that prunes stale per-key timestamp slices every window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	w := &SlidingWindow{limit: limit, window: window, hits: map[string][]time.Time{}, stop: make(chan struct{})}
	go w.sweepLoop()
	return w
}

func (w *SlidingWindow) sweepLoop() {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *SlidingWindow) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-w.window)
	for key, ts := range w.hits {
		kept := prune(ts, cutoff)
		if len(kept) == 0 {
			delete(w.hits, key)
		} else {
			w.hits[key] = kept
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Consume records a hit for key if the sliding window isn't full.
func (w *SlidingWindow) Consume(key string, cost int) Result {
	if cost <= 0 {
		cost = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.window)
	ts := prune(w.hits[key], cutoff)

	if len(ts)+cost > w.limit {
		retryAfter := time.Duration(0)
		if len(ts) > 0 {
			retryAfter = w.window - now.Sub(ts[0])
		}
		w.hits[key] = ts
		return Result{Allowed: false, Remaining: max(0, w.limit-len(ts)), RetryAfter: retryAfter}
	}

	for range cost {
		ts = append(ts, now)
	}
	w.hits[key] = ts
	return Result{Allowed: true, Remaining: w.limit - len(ts)}
}

// Reset clears key's hit history.
func (w *SlidingWindow) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.hits, key)
}

// Dispose stops the background sweeper.
func (w *SlidingWindow) Dispose() { close(w.stop) }
