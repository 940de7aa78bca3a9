package session_test

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/session"
)

func TestBeginValidation(t *testing.T) {
	t.Parallel()

	m := session.New(session.WithClock(clock.NewFake(time.UnixMilli(0))))
	_, err := m.Begin("", 0, nil)
	require.ErrorIs(t, err, proxyerr.ErrValidation)
	_, err = m.Begin("pk_a", -1, nil)
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}

func TestBeginAppliesDefaultTTL(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(10_000))
	m := session.New(session.WithClock(clk), session.WithDefaultTTL(5_000))

	sess, err := m.Begin("pk_a", 0, map[string]string{"client": "cli"})
	require.NoError(t, err)
	require.Equal(t, int64(15_000), sess.ExpiresAtMs)
	require.Equal(t, int64(5_000), sess.TTLMs)
	require.Equal(t, "cli", sess.Meta["client"])

	sess, err = m.Begin("pk_a", 60_000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(70_000), sess.ExpiresAtMs)
}

func TestGetLazyExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := session.New(session.WithClock(clk))
	sess, err := m.Begin("pk_a", 1_000, nil)
	require.NoError(t, err)

	clk.AdvanceMs(999)
	_, err = m.Get(sess.ID)
	require.NoError(t, err)

	clk.AdvanceMs(1)
	_, err = m.Get(sess.ID)
	require.ErrorIs(t, err, proxyerr.ErrNotFound)
	// Expired entry is gone, not resurrectable.
	require.False(t, m.End(sess.ID))
}

func TestTouchExtendsExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := session.New(session.WithClock(clk))
	sess, err := m.Begin("pk_a", 1_000, nil)
	require.NoError(t, err)

	clk.AdvanceMs(900)
	require.NoError(t, m.Touch(sess.ID))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_900), got.ExpiresAtMs)

	clk.AdvanceMs(1_000)
	_, err = m.Get(sess.ID)
	require.NoError(t, err)
}

func TestRecordCall(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := session.New(session.WithClock(clk))
	sess, err := m.Begin("pk_a", 10_000, nil)
	require.NoError(t, err)

	require.NoError(t, m.RecordCall(sess.ID, "search", 5))
	require.NoError(t, m.RecordCall(sess.ID, "search", 5))
	require.NoError(t, m.RecordCall(sess.ID, "fetch", 2))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Calls)
	require.Equal(t, int64(12), got.CreditsUsed)
	require.Equal(t, int64(2), got.ToolCalls["search"])
	require.Equal(t, int64(1), got.ToolCalls["fetch"])

	require.ErrorIs(t, m.RecordCall("nope", "search", 1), proxyerr.ErrNotFound)
}

func TestEndIdempotent(t *testing.T) {
	t.Parallel()

	m := session.New(session.WithClock(clock.NewFake(time.UnixMilli(0))))
	sess, err := m.Begin("pk_a", 1_000, nil)
	require.NoError(t, err)

	require.True(t, m.End(sess.ID))
	require.False(t, m.End(sess.ID))
}

func TestMaxSessionsCap(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := session.New(session.WithClock(clk), session.WithMaxSessions(2))

	a, err := m.Begin("pk_a", 1_000, nil)
	require.NoError(t, err)
	_, err = m.Begin("pk_b", 1_000, nil)
	require.NoError(t, err)
	_, err = m.Begin("pk_c", 1_000, nil)
	require.ErrorIs(t, err, proxyerr.ErrCapacity)

	// Ending one frees a slot.
	require.True(t, m.End(a.ID))
	_, err = m.Begin("pk_c", 1_000, nil)
	require.NoError(t, err)

	// Expired sessions free slots too.
	clk.AdvanceMs(1_000)
	_, err = m.Begin("pk_d", 1_000, nil)
	require.NoError(t, err)
}

func TestPruneExpiredAndActiveCount(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := session.New(session.WithClock(clk))
	_, err := m.Begin("pk_a", 1_000, nil)
	require.NoError(t, err)
	_, err = m.Begin("pk_b", 2_000, nil)
	require.NoError(t, err)
	_, err = m.Begin("pk_c", 3_000, nil)
	require.NoError(t, err)

	clk.AdvanceMs(2_000)
	require.Equal(t, 2, m.PruneExpired())
	require.Equal(t, 1, m.ActiveCount())
	require.Zero(t, m.PruneExpired())
}

func TestSessionsOrderedAndCopied(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := session.New(session.WithClock(clk))
	_, err := m.Begin("pk_b", 10_000, nil)
	require.NoError(t, err)
	clk.AdvanceMs(1)
	sess, err := m.Begin("pk_a", 10_000, map[string]string{"k": "v"})
	require.NoError(t, err)

	list := m.Sessions()
	require.Len(t, list, 2)
	require.Equal(t, "pk_b", list[0].Key)
	require.Equal(t, "pk_a", list[1].Key)

	// Mutating the returned copy must not affect the stored session.
	list[1].Meta["k"] = "changed"
	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "v", got.Meta["k"])
}
