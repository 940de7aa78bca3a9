package webhook_test

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/webhook"
)

func begin(t *testing.T, l *webhook.Log, url, event string) webhook.Delivery {
	t.Helper()
	d, err := l.Begin(url, event, 64, false)
	require.NoError(t, err)
	return d
}

func TestSignature(t *testing.T) {
	t.Parallel()
	body := []byte(`{"event":"quota.crossed"}`)

	sig := webhook.Signature("secret", body)
	require.Equal(t, "36f2aa3d9172117f30903c2d60b49c0b12bb963ea5cb33e5ac90042da3245a14", sig)
	require.True(t, webhook.VerifySignature("secret", body, sig))
	require.False(t, webhook.VerifySignature("secret", []byte("tampered"), sig))
	require.False(t, webhook.VerifySignature("other", body, sig))

	// No secret, no signature header.
	require.Empty(t, webhook.Signature("", body))
	require.False(t, webhook.VerifySignature("", body, ""))
}

func TestBeginValidation(t *testing.T) {
	t.Parallel()
	l := webhook.New(webhook.WithClock(clock.NewFake(time.UnixMilli(1_000))))

	_, err := l.Begin("", "e", 0, false)
	require.ErrorIs(t, err, proxyerr.ErrValidation)
	_, err = l.Begin("http://x", "", 0, false)
	require.ErrorIs(t, err, proxyerr.ErrValidation)

	d := begin(t, l, "http://x", "quota.crossed")
	require.Equal(t, webhook.StatusPending, d.Status)
	require.Equal(t, int64(1_000), d.CreatedAtMs)
	require.Zero(t, d.Attempts)
}

func TestCompleteLifecycle(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.UnixMilli(1_000))
	l := webhook.New(webhook.WithClock(clk))
	d := begin(t, l, "http://x", "e")

	clk.AdvanceMs(50)
	failed, err := l.Complete(d.ID, false, "connection refused", 40)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusFailed, failed.Status)
	require.Equal(t, 1, failed.Attempts)
	require.Equal(t, "connection refused", failed.LastError)
	require.Equal(t, int64(1_050), failed.CompletedAtMs)
	require.Equal(t, int64(40), failed.DurationMs)

	// A retry completes the same delivery and clears the error on success.
	clk.AdvanceMs(50)
	ok, err := l.Complete(d.ID, true, "", 15)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusSuccess, ok.Status)
	require.Equal(t, 2, ok.Attempts)
	require.Empty(t, ok.LastError)

	// Success is terminal.
	_, err = l.Complete(d.ID, true, "", 1)
	require.ErrorIs(t, err, proxyerr.ErrState)

	_, err = l.Complete("ghost", true, "", 1)
	require.ErrorIs(t, err, proxyerr.ErrNotFound)
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()
	l := webhook.New(
		webhook.WithClock(clock.NewFake(time.UnixMilli(1_000))),
		webhook.WithMaxDeliveries(2),
	)
	first := begin(t, l, "http://x", "a")
	begin(t, l, "http://x", "b")
	begin(t, l, "http://x", "c")

	_, err := l.Get(first.ID)
	require.ErrorIs(t, err, proxyerr.ErrNotFound)

	st := l.Stats()
	require.Equal(t, int64(2), st.Total)
	require.Equal(t, int64(1), st.Evicted)
	require.Equal(t, []string{"b", "c"}, l.EventTypes())
}

func TestQueryFiltersNewestFirst(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.UnixMilli(1_000))
	l := webhook.New(webhook.WithClock(clk))

	a := begin(t, l, "http://x", "quota.crossed")
	clk.AdvanceMs(10)
	b := begin(t, l, "http://y", "credits.low")
	clk.AdvanceMs(10)
	c := begin(t, l, "http://x", "quota.crossed")
	_, err := l.Complete(b.ID, true, "", 5)
	require.NoError(t, err)

	all := l.Query(webhook.Filter{})
	require.Len(t, all, 3)
	require.Equal(t, c.ID, all[0].ID)
	require.Equal(t, a.ID, all[2].ID)

	byEvent := l.Query(webhook.Filter{EventType: "quota.crossed"})
	require.Len(t, byEvent, 2)

	byStatus := l.Query(webhook.Filter{Status: webhook.StatusSuccess})
	require.Len(t, byStatus, 1)
	require.Equal(t, b.ID, byStatus[0].ID)

	since := l.Query(webhook.Filter{SinceMs: 1_015})
	require.Len(t, since, 1)
	require.Equal(t, c.ID, since[0].ID)

	limited := l.Query(webhook.Filter{Limit: 1})
	require.Len(t, limited, 1)
	require.Equal(t, c.ID, limited[0].ID)
}

func TestStatsAndPrune(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.UnixMilli(1_000))
	l := webhook.New(webhook.WithClock(clk))

	old := begin(t, l, "http://x", "a")
	_, err := l.Complete(old.ID, false, "boom", 5)
	require.NoError(t, err)

	clk.AdvanceMs(10_000)
	begin(t, l, "http://x", "b")

	st := l.Stats()
	require.Equal(t, int64(2), st.Total)
	require.Equal(t, int64(1), st.Pending)
	require.Equal(t, int64(1), st.Failed)

	// Only the delivery older than 5s goes.
	require.Equal(t, 1, l.Prune(5_000))
	require.Equal(t, 0, l.Prune(5_000))

	st = l.Stats()
	require.Equal(t, int64(1), st.Total)
	require.Equal(t, int64(1), st.Pending)
	require.Zero(t, st.Failed)
}
