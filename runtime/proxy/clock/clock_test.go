package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
)

func TestFakeAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	require.Equal(t, start.UnixMilli(), fake.NowMs())

	fake.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second).UnixMilli(), fake.NowMs())

	fake.AdvanceMs(250)
	require.Equal(t, start.Add(90*time.Second+250*time.Millisecond), fake.Now())
}

func TestFakeSet(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(0, 0))
	target := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	fake.Set(target)
	require.Equal(t, target, fake.Now())
	require.Equal(t, target.UnixMilli(), fake.NowMs())
}

func TestSystemIsUTC(t *testing.T) {
	t.Parallel()

	sys := clock.System{}
	require.Equal(t, time.UTC, sys.Now().Location())
	require.InDelta(t, time.Now().UnixMilli(), sys.NowMs(), 5000)
}
