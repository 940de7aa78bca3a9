// Package clock abstracts time for the proxy engine packages.
//
// Every manager takes a Clock instead of calling time.Now so tests can drive
// quota windows, rate-limit buckets, TTL expiry and billing intervals
// deterministically. Timestamps flow through the engine as milliseconds since
// the Unix epoch; wall-clock time is only used where calendar arithmetic is
// required (billing cycles, quota resets).
package clock

import (
	"sync"
	"time"
)

type (
	// Clock supplies the current time. Implementations must be safe for
	// concurrent use.
	Clock interface {
		// NowMs returns the current time in milliseconds since the Unix epoch.
		NowMs() int64
		// Now returns the current wall-clock time in UTC.
		Now() time.Time
	}

	// System reads the host clock.
	System struct{}

	// Fake is a manually advanced clock for tests.
	Fake struct {
		mu  sync.Mutex
		now time.Time
	}
)

// NowMs returns the host time in epoch milliseconds.
func (System) NowMs() int64 { return time.Now().UnixMilli() }

// Now returns the host time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// NewFake returns a Fake pinned to the given start time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// NowMs returns the fake time in epoch milliseconds.
func (f *Fake) NowMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.UnixMilli()
}

// Now returns the fake time in UTC.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// AdvanceMs moves the fake clock forward by ms milliseconds.
func (f *Fake) AdvanceMs(ms int64) {
	f.Advance(time.Duration(ms) * time.Millisecond)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
