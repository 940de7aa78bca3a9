package ratelimit_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/ratelimit"
)

func newLimiter(clk *clock.Fake, windowMs int64, subs, limit int) *ratelimit.Limiter {
	return ratelimit.New(
		ratelimit.WithClock(clk),
		ratelimit.WithWindow(windowMs, subs),
		ratelimit.WithMaxRequests(limit),
	)
}

func TestDenyAtLimit(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(1000, 0))
	l := newLimiter(clk, 1000, 2, 2)

	require.True(t, l.Check("k").Allowed)
	require.True(t, l.Check("k").Allowed)

	d := l.Check("k")
	require.False(t, d.Allowed)
	require.Equal(t, 2, d.Limit)
	require.Equal(t, 2, d.Used)
	require.Positive(t, d.RetryAfterMs)

	err := d.Error()
	require.Equal(t, proxyerr.KindPolicyDenied, proxyerr.KindOf(err))
	require.Equal(t, proxyerr.DenyRateLimit, proxyerr.DataOf(err)["deny"])
	require.Equal(t, d.RetryAfterMs, proxyerr.DataOf(err)["retryAfterMs"])
}

func TestWeightedOverlapDecay(t *testing.T) {
	t.Parallel()

	// Window 1000ms in two 500ms buckets, limit 2. Both requests land in the
	// first bucket; at t+1250 that bucket only half-overlaps the window so its
	// weighted contribution is ceil(2*0.5)=1 and one more request fits.
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := newLimiter(clk, 1000, 2, 2)

	require.True(t, l.Check("k").Allowed)
	require.True(t, l.Check("k").Allowed)
	require.False(t, l.Check("k").Allowed)

	clk.AdvanceMs(1250)
	d := l.Check("k")
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Used)

	// Full again: the old bucket still contributes 1.
	require.False(t, l.Check("k").Allowed)
}

func TestRetryAfterIsExact(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := newLimiter(clk, 1000, 2, 2)

	require.True(t, l.Check("k").Allowed)
	require.True(t, l.Check("k").Allowed)

	clk.AdvanceMs(1250)
	require.True(t, l.Check("k").Allowed)
	d := l.Check("k")
	require.False(t, d.Allowed)
	// Oldest contributing bucket [0,500) exits the window at t=1500.
	require.Equal(t, int64(250), d.RetryAfterMs)

	clk.AdvanceMs(d.RetryAfterMs)
	require.True(t, l.Check("k").Allowed)
}

func TestWindowFullyExpires(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(2000, 0))
	l := newLimiter(clk, 1000, 4, 3)
	for i := 0; i < 3; i++ {
		require.True(t, l.Check("k").Allowed)
	}
	require.False(t, l.Check("k").Allowed)

	clk.AdvanceMs(1251)
	d := l.Check("k")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Used)
}

func TestPerKeyOverrideAndIsolation(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(3000, 0))
	l := newLimiter(clk, 1000, 2, 1)
	l.SetKeyLimit("vip", 3)

	require.True(t, l.Check("basic").Allowed)
	require.False(t, l.Check("basic").Allowed)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("vip").Allowed, "vip call %d", i)
	}
	require.False(t, l.Check("vip").Allowed)

	d := l.CheckWithLimit("explicit", 2)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Limit)
}

func TestPeekDoesNotRecord(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(4000, 0))
	l := newLimiter(clk, 1000, 2, 2)

	for i := 0; i < 10; i++ {
		require.True(t, l.Peek("k").Allowed)
	}
	require.True(t, l.Check("k").Allowed)
	require.Equal(t, 1, l.Peek("k").Used)
}

func TestLRUEviction(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(5000, 0))
	l := ratelimit.New(
		ratelimit.WithClock(clk),
		ratelimit.WithWindow(1000, 2),
		ratelimit.WithMaxRequests(5),
		ratelimit.WithMaxKeys(2),
	)

	l.Check("a")
	clk.AdvanceMs(10)
	l.Check("b")
	clk.AdvanceMs(10)
	l.Check("c") // evicts a

	stats := l.Stats()
	require.Equal(t, 2, stats.TrackedKeys)
	require.Equal(t, int64(1), stats.Evictions)
	require.Equal(t, int64(3), stats.Allowed)
}

func TestWeightedCountBoundProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("weighted usage never exceeds the limit", prop.ForAll(
		func(gaps []int64) bool {
			clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
			l := newLimiter(clk, 1200, 3, 4)
			for _, g := range gaps {
				clk.AdvanceMs(g)
				d := l.Check("k")
				if d.Used > d.Limit {
					return false
				}
				if d.Allowed && d.Remaining != d.Limit-d.Used {
					return false
				}
				if !d.Allowed && d.RetryAfterMs < 1 {
					return false
				}
			}
			return l.Peek("k").Used <= 4
		},
		gen.SliceOf(gen.Int64Range(0, 700)),
	))

	properties.TestingRun(t)
}
