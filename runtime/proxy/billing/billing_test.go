package billing_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/billing"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// 2024-01-15T00:00:00Z, mid-month so monthly cycles are unambiguous.
var baseMs = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli()

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	m := billing.New(billing.WithClock(clock.NewFake(time.UnixMilli(baseMs))))
	_, err := m.Subscribe("", billing.Daily)
	require.ErrorIs(t, err, proxyerr.ErrValidation)
	_, err = m.Subscribe("pk_a", "hourly")
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}

func TestCycleCalendarArithmetic(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))

	for _, tc := range []struct {
		freq billing.Frequency
		end  time.Time
	}{
		{billing.Daily, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)},
		{billing.Weekly, time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC)},
		{billing.Monthly, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)},
	} {
		sub, err := m.Subscribe("pk_"+string(tc.freq), tc.freq)
		require.NoError(t, err)
		require.Equal(t, baseMs, sub.CycleStartMs)
		require.Equal(t, tc.end.UnixMilli(), sub.CycleEndMs, "freq %s", tc.freq)
	}
}

func TestCycleAdvancesLazilyAcrossMultiplePeriods(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))
	_, err := m.Subscribe("pk_a", billing.Daily)
	require.NoError(t, err)

	// Jump three and a half days. The cycle must land on the one containing
	// now, not just the next one.
	clk.AdvanceMs(3*24*3_600_000 + 12*3_600_000)
	sub, err := m.Subscription("pk_a")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 18, 0, 0, 0, 0, time.UTC).UnixMilli(), sub.CycleStartMs)
	require.Equal(t, time.Date(2024, 1, 19, 0, 0, 0, 0, time.UTC).UnixMilli(), sub.CycleEndMs)
}

func TestRecordUsageAutoSubscribes(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk), billing.WithDefaultFrequency(billing.Weekly))

	require.NoError(t, m.RecordUsage("pk_a", "search", 1, 5))
	sub, err := m.Subscription("pk_a")
	require.NoError(t, err)
	require.Equal(t, billing.Weekly, sub.Frequency)
	require.True(t, sub.Active)

	cyc, err := m.EnsureCycle("pk_a")
	require.NoError(t, err)
	require.Equal(t, int64(1), cyc.Usage["search"].Calls)
	require.Equal(t, int64(5), cyc.Usage["search"].Credits)
}

func TestUsageOutsideCycleExcluded(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))
	_, err := m.Subscribe("pk_a", billing.Daily)
	require.NoError(t, err)

	require.NoError(t, m.RecordUsage("pk_a", "search", 2, 10))
	clk.AdvanceMs(2 * 24 * 3_600_000)
	require.NoError(t, m.RecordUsage("pk_a", "search", 1, 5))

	cyc, err := m.EnsureCycle("pk_a")
	require.NoError(t, err)
	require.Equal(t, int64(1), cyc.Usage["search"].Calls)
	require.Equal(t, int64(5), cyc.Usage["search"].Credits)
}

func TestGenerateInvoiceLineItemOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))
	_, err := m.Subscribe("pk_a", billing.Monthly)
	require.NoError(t, err)

	require.NoError(t, m.RecordUsage("pk_a", "fetch", 3, 30))
	require.NoError(t, m.RecordUsage("pk_a", "search", 10, 50))
	require.NoError(t, m.RecordUsage("pk_a", "embed", 4, 30))
	require.NoError(t, m.RecordUsage("pk_a", "search", 2, 10))

	inv, err := m.GenerateInvoice("pk_a")
	require.NoError(t, err)
	require.Equal(t, billing.StatusDraft, inv.Status)
	require.Equal(t, []billing.LineItem{
		{Tool: "search", Calls: 12, Credits: 60},
		{Tool: "embed", Calls: 4, Credits: 30},
		{Tool: "fetch", Calls: 3, Credits: 30},
	}, inv.LineItems)
	require.Equal(t, int64(19), inv.TotalCalls)
	require.Equal(t, int64(120), inv.TotalCredits)
	require.Equal(t, baseMs, inv.PeriodStartMs)
}

func TestInvoiceStatusLadder(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))
	_, err := m.Subscribe("pk_a", billing.Monthly)
	require.NoError(t, err)
	require.NoError(t, m.RecordUsage("pk_a", "search", 1, 5))

	inv, err := m.GenerateInvoice("pk_a")
	require.NoError(t, err)

	// paid before finalized is illegal
	_, err = m.MarkPaid(inv.ID)
	require.ErrorIs(t, err, proxyerr.ErrState)

	fin, err := m.FinalizeInvoice(inv.ID)
	require.NoError(t, err)
	require.Equal(t, billing.StatusFinalized, fin.Status)
	require.Equal(t, int64(5), m.TotalCreditsInvoiced())

	// double finalize is illegal
	_, err = m.FinalizeInvoice(inv.ID)
	require.ErrorIs(t, err, proxyerr.ErrState)

	paid, err := m.MarkPaid(inv.ID)
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, paid.Status)

	// paid is terminal
	_, err = m.VoidInvoice(inv.ID)
	require.ErrorIs(t, err, proxyerr.ErrState)

	_, err = m.GetInvoice("nope")
	require.ErrorIs(t, err, proxyerr.ErrNotFound)
}

func TestVoidFromDraftAndFinalized(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))
	_, err := m.Subscribe("pk_a", billing.Monthly)
	require.NoError(t, err)

	draft, err := m.GenerateInvoice("pk_a")
	require.NoError(t, err)
	voided, err := m.VoidInvoice(draft.ID)
	require.NoError(t, err)
	require.Equal(t, billing.StatusVoided, voided.Status)

	second, err := m.GenerateInvoice("pk_a")
	require.NoError(t, err)
	_, err = m.FinalizeInvoice(second.ID)
	require.NoError(t, err)
	_, err = m.VoidInvoice(second.ID)
	require.NoError(t, err)
}

func TestInvoicesFilterByKey(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(baseMs))
	m := billing.New(billing.WithClock(clk))
	for _, key := range []string{"pk_a", "pk_b", "pk_a"} {
		_, err := m.Subscribe(key, billing.Monthly)
		require.NoError(t, err)
		_, err = m.GenerateInvoice(key)
		require.NoError(t, err)
	}
	require.Len(t, m.Invoices("pk_a"), 2)
	require.Len(t, m.Invoices("pk_b"), 1)
	require.Len(t, m.Invoices(""), 3)
}

func TestCancelSubscription(t *testing.T) {
	t.Parallel()

	m := billing.New(billing.WithClock(clock.NewFake(time.UnixMilli(baseMs))))
	_, err := m.Subscribe("pk_a", billing.Daily)
	require.NoError(t, err)
	require.NoError(t, m.Cancel("pk_a"))

	sub, err := m.Subscription("pk_a")
	require.NoError(t, err)
	require.False(t, sub.Active)

	require.ErrorIs(t, m.Cancel("pk_x"), proxyerr.ErrNotFound)
}

// Invoice totals always equal the sums over line items, and line items keep
// their sort order.
func TestInvoiceTotalingProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 80
	properties := gopter.NewProperties(parameters)

	tools := []string{"search", "fetch", "embed", "rank"}

	properties.Property("totals equal line item sums", prop.ForAll(
		func(seeds []int64) bool {
			clk := clock.NewFake(time.UnixMilli(baseMs))
			m := billing.New(billing.WithClock(clk))
			if _, err := m.Subscribe("pk_a", billing.Monthly); err != nil {
				return false
			}
			for _, seed := range seeds {
				tool := tools[seed%int64(len(tools))]
				calls := seed % 100
				credits := (seed * 7) % 1_000
				if err := m.RecordUsage("pk_a", tool, calls, credits); err != nil {
					return false
				}
			}
			inv, err := m.GenerateInvoice("pk_a")
			if err != nil {
				return false
			}
			var calls, credits int64
			for i, it := range inv.LineItems {
				calls += it.Calls
				credits += it.Credits
				if i > 0 {
					prev := inv.LineItems[i-1]
					if prev.Credits < it.Credits {
						return false
					}
					if prev.Credits == it.Credits && prev.Tool >= it.Tool {
						return false
					}
				}
			}
			return calls == inv.TotalCalls && credits == inv.TotalCredits
		},
		gen.SliceOf(gen.Int64Range(0, 100_000)),
	))
	properties.TestingRun(t)
}
