// Package ratelimit implements the per-key sliding-window rate limiter.
//
// The window is split into aligned sub-windows. A request's weighted count
// sums ceil(bucketCount * overlap) over every sub-window still overlapping
// the sliding window, so counts decay smoothly as buckets slide out instead
// of resetting on a fixed boundary. Per-key state is bounded: past MaxKeys
// the least recently used key is evicted.
package ratelimit

import (
	"math"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

const (
	// DefaultWindowMs is the sliding window span.
	DefaultWindowMs = 60_000
	// DefaultSubWindowCount is the number of buckets per window.
	DefaultSubWindowCount = 6
	// DefaultMaxRequests is the per-key limit per window.
	DefaultMaxRequests = 60
	// DefaultMaxKeys bounds tracked keys.
	DefaultMaxKeys = 10_000
)

type (
	// Decision is the outcome of a rate-limit check.
	Decision struct {
		// Allowed reports whether the request may proceed.
		Allowed bool
		// Limit is the effective per-window limit applied.
		Limit int
		// Used is the weighted request count, including this request when allowed.
		Used int
		// Remaining is Limit - Used, floored at zero.
		Remaining int
		// RetryAfterMs is how long until the oldest contributing sub-window
		// slides out. Zero when allowed, never zero when denied.
		RetryAfterMs int64
	}

	// Stats summarizes limiter activity.
	Stats struct {
		TrackedKeys int
		Evictions   int64
		Allowed     int64
		Denied      int64
	}

	keyState struct {
		// buckets maps sub-window start (epoch ms) to request count.
		buckets     map[int64]int
		lastTouchMs int64
	}

	// Limiter is the sliding-window rate limiter.
	Limiter struct {
		mu        sync.Mutex
		clk       clock.Clock
		windowMs  int64
		subCount  int
		maxReqs   int
		maxKeys   int
		keys      map[string]*keyState
		overrides map[string]int
		evictions int64
		allowed   int64
		denied    int64
	}

	// Option configures a Limiter.
	Option func(*Limiter)
)

// WithWindow sets the window span and sub-window count.
func WithWindow(windowMs int64, subWindows int) Option {
	return func(l *Limiter) {
		if windowMs > 0 {
			l.windowMs = windowMs
		}
		if subWindows > 0 {
			l.subCount = subWindows
		}
	}
}

// WithMaxRequests sets the default per-window limit.
func WithMaxRequests(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxReqs = n
		}
	}
}

// WithMaxKeys bounds the number of tracked keys.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		if clk != nil {
			l.clk = clk
		}
	}
}

// New returns a limiter with the given options.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clk:       clock.System{},
		windowMs:  DefaultWindowMs,
		subCount:  DefaultSubWindowCount,
		maxReqs:   DefaultMaxRequests,
		maxKeys:   DefaultMaxKeys,
		keys:      make(map[string]*keyState),
		overrides: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.subCount > int(l.windowMs) {
		l.subCount = int(l.windowMs)
	}
	return l
}

// SetKeyLimit overrides the per-window limit for one key. n <= 0 removes the
// override.
func (l *Limiter) SetKeyLimit(key string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		delete(l.overrides, key)
		return
	}
	l.overrides[key] = n
}

// Check records and decides a request using the key's effective limit.
func (l *Limiter) Check(key string) Decision {
	return l.check(key, 0, true)
}

// CheckWithLimit records and decides a request against an explicit limit.
func (l *Limiter) CheckWithLimit(key string, limit int) Decision {
	return l.check(key, limit, true)
}

// Peek evaluates the key's current standing without recording a request.
func (l *Limiter) Peek(key string) Decision {
	return l.check(key, 0, false)
}

// Reset drops all state for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Stats reports limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TrackedKeys: len(l.keys),
		Evictions:   l.evictions,
		Allowed:     l.allowed,
		Denied:      l.denied,
	}
}

// Error converts a denied decision into the policy error carried to the wire.
func (d Decision) Error() error {
	if d.Allowed {
		return nil
	}
	return proxyerr.Deniedf("rate limit exceeded").
		WithData("deny", proxyerr.DenyRateLimit).
		WithData("limit", d.Limit).
		WithData("retryAfterMs", d.RetryAfterMs)
}

func (l *Limiter) check(key string, limit int, record bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		if o, ok := l.overrides[key]; ok {
			limit = o
		} else {
			limit = l.maxReqs
		}
	}

	now := l.clk.NowMs()
	subLen := l.windowMs / int64(l.subCount)
	if subLen < 1 {
		subLen = 1
	}
	windowStart := now - l.windowMs

	st, ok := l.keys[key]
	if !ok {
		if !record {
			return Decision{Allowed: true, Limit: limit, Remaining: limit}
		}
		l.evictIfFullLocked()
		st = &keyState{buckets: make(map[int64]int)}
		l.keys[key] = st
	}
	st.lastTouchMs = now

	// Prune dead buckets and compute the weighted count.
	used := 0
	oldest := int64(math.MaxInt64)
	for start, count := range st.buckets {
		end := start + subLen
		if end <= windowStart {
			delete(st.buckets, start)
			continue
		}
		overlap := end - windowStart
		if overlap > subLen {
			overlap = subLen
		}
		weighted := int(math.Ceil(float64(count) * float64(overlap) / float64(subLen)))
		if weighted > 0 {
			used += weighted
			if start < oldest {
				oldest = start
			}
		}
	}

	if used >= limit {
		retry := int64(1)
		if oldest != math.MaxInt64 {
			retry = oldest + subLen + l.windowMs - now
			if retry < 1 {
				retry = 1
			}
		}
		if record {
			l.denied++
		}
		return Decision{Limit: limit, Used: used, RetryAfterMs: retry}
	}

	if record {
		cur := now - now%subLen
		st.buckets[cur]++
		used++
		l.allowed++
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Used: used, Remaining: remaining}
}

// evictIfFullLocked removes the least recently touched key when at capacity.
// Ties break on the smaller key string.
func (l *Limiter) evictIfFullLocked() {
	if len(l.keys) < l.maxKeys {
		return
	}
	var victim string
	var victimTouch int64 = math.MaxInt64
	for k, st := range l.keys {
		if st.lastTouchMs < victimTouch || (st.lastTouchMs == victimTouch && k < victim) {
			victim = k
			victimTouch = st.lastTouchMs
		}
	}
	if victim != "" {
		delete(l.keys, victim)
		l.evictions++
	}
}
