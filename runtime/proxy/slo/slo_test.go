package slo_test

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/slo"
)

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	m := slo.New(slo.WithClock(clock.NewFake(time.UnixMilli(0))))
	for name, s := range map[string]slo.SLO{
		"missing name":      {Kind: slo.KindAvailability, TargetPct: 99, WindowMs: 1000},
		"unknown kind":      {Name: "x", Kind: "throughput", TargetPct: 99, WindowMs: 1000},
		"missing threshold": {Name: "x", Kind: slo.KindLatency, TargetPct: 99, WindowMs: 1000},
		"target too low":    {Name: "x", Kind: slo.KindAvailability, TargetPct: 0, WindowMs: 1000},
		"target too high":   {Name: "x", Kind: slo.KindAvailability, TargetPct: 100, WindowMs: 1000},
		"missing window":    {Name: "x", Kind: slo.KindAvailability, TargetPct: 99, WindowMs: 0},
	} {
		_, err := m.Create(s)
		require.ErrorIs(t, err, proxyerr.ErrValidation, name)
	}

	created, err := m.Create(slo.SLO{Name: "api availability", Kind: slo.KindAvailability, TargetPct: 99, WindowMs: 60_000})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
}

func TestStatusEmptyWindowIsHealthy(t *testing.T) {
	t.Parallel()

	m := slo.New(slo.WithClock(clock.NewFake(time.UnixMilli(0))))
	s, err := m.Create(slo.SLO{Name: "avail", Kind: slo.KindAvailability, TargetPct: 99, WindowMs: 60_000})
	require.NoError(t, err)

	st, err := m.Status(s.ID)
	require.NoError(t, err)
	require.Zero(t, st.Total)
	require.InDelta(t, 100.0, st.AttainedPct, 0.0001)
	require.True(t, st.Healthy)
	require.Zero(t, st.BudgetConsumed)
}

func TestLatencyKindUsesThreshold(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk))
	s, err := m.Create(slo.SLO{Name: "p99", Kind: slo.KindLatency, TargetPct: 50, ThresholdMs: 100, WindowMs: 60_000})
	require.NoError(t, err)

	clk.AdvanceMs(1)
	m.Record("search", "pk_a", true, 80)  // good
	m.Record("search", "pk_a", true, 100) // good, at threshold
	m.Record("search", "pk_a", true, 101) // bad despite success
	m.Record("search", "pk_a", false, 99) // good: latency kind ignores success

	st, err := m.Status(s.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), st.Total)
	require.Equal(t, int64(3), st.Good)
	require.InDelta(t, 75.0, st.AttainedPct, 0.0001)
	require.True(t, st.Healthy)
}

func TestAvailabilityBudget(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk))
	s, err := m.Create(slo.SLO{Name: "avail", Kind: slo.KindAvailability, TargetPct: 90, WindowMs: 100_000})
	require.NoError(t, err)

	// Full window elapsed so the burn rate is unprorated.
	clk.AdvanceMs(100_000)
	for i := 0; i < 19; i++ {
		m.Record("search", "pk_a", true, 10)
	}
	m.Record("search", "pk_a", false, 10)

	st, err := m.Status(s.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20), st.Total)
	require.InDelta(t, 95.0, st.AttainedPct, 0.0001)
	require.InDelta(t, 0.10, st.BudgetTotal, 0.0001)
	require.InDelta(t, 0.05, st.BudgetConsumed, 0.0001)
	require.InDelta(t, 0.05, st.BudgetRemaining, 0.0001)
	require.InDelta(t, 0.5, st.BurnRate, 0.0001)
	require.True(t, st.Healthy)
}

func TestWindowExcludesOldEvents(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk))
	s, err := m.Create(slo.SLO{Name: "avail", Kind: slo.KindAvailability, TargetPct: 90, WindowMs: 10_000})
	require.NoError(t, err)

	m.Record("search", "pk_a", false, 10)
	clk.AdvanceMs(10_001)
	m.Record("search", "pk_a", true, 10)

	st, err := m.Status(s.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Total)
	require.Equal(t, int64(1), st.Good)
}

func TestToolAndKeyFilters(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk))
	s, err := m.Create(slo.SLO{
		Name: "search avail", Kind: slo.KindAvailability, TargetPct: 90, WindowMs: 60_000,
		Tools: []string{"search"}, Keys: []string{"pk_a"},
	})
	require.NoError(t, err)

	m.Record("search", "pk_a", false, 10) // counted
	m.Record("search", "pk_b", false, 10) // wrong key
	m.Record("fetch", "pk_a", false, 10)  // wrong tool

	st, err := m.Status(s.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Total)
}

func TestAlertsAndDedup(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk))
	_, err := m.Create(slo.SLO{Name: "avail", Kind: slo.KindAvailability, TargetPct: 90, WindowMs: 100_000})
	require.NoError(t, err)
	clk.AdvanceMs(100_000)

	// All failures: budget exhausted immediately.
	alerts := m.Record("search", "pk_a", false, 10)
	require.Len(t, alerts, 2)
	types := []string{alerts[0].Type, alerts[1].Type}
	require.Contains(t, types, slo.AlertBudgetExhausted)
	require.Contains(t, types, slo.AlertBurnRateHigh)

	// Repeats inside the dedup interval are suppressed.
	alerts = m.Record("search", "pk_a", false, 10)
	require.Empty(t, alerts)
	require.Empty(t, m.Check())

	// After the interval they fire again.
	clk.AdvanceMs(60_000)
	alerts = m.Check()
	require.Len(t, alerts, 2)
}

func TestBudgetWarningBeforeExhaustion(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk), slo.WithWarningThreshold(0.5), slo.WithBurnRateMultiplier(100))
	_, err := m.Create(slo.SLO{Name: "avail", Kind: slo.KindAvailability, TargetPct: 90, WindowMs: 100_000})
	require.NoError(t, err)
	clk.AdvanceMs(100_000)

	// Bad events eat into a 10% budget until remaining drops under half of
	// it; exactly one warning fires and dedup silences the repeats.
	for i := 0; i < 94; i++ {
		m.Record("search", "pk_a", true, 10)
	}
	var all []slo.Alert
	for i := 0; i < 6; i++ {
		all = append(all, m.Record("search", "pk_a", false, 10)...)
	}
	require.Len(t, all, 1)
	require.Equal(t, slo.AlertBudgetWarning, all[0].Type)
}

func TestDeleteAndList(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(0))
	m := slo.New(slo.WithClock(clk))
	a, err := m.Create(slo.SLO{Name: "a", Kind: slo.KindAvailability, TargetPct: 99, WindowMs: 1_000})
	require.NoError(t, err)
	clk.AdvanceMs(1)
	_, err = m.Create(slo.SLO{Name: "b", Kind: slo.KindErrorRate, TargetPct: 99, WindowMs: 1_000})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Name)

	require.NoError(t, m.Delete(a.ID))
	require.ErrorIs(t, m.Delete(a.ID), proxyerr.ErrNotFound)
	_, err = m.Status(a.ID)
	require.ErrorIs(t, err, proxyerr.ErrNotFound)
}
