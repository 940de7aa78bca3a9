package buffer_test

import (
	"time"

	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/buffer"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

func TestStateMachine(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))))
	require.Equal(t, buffer.StateIdle, q.State())

	// Enqueue and drain both need the buffering state.
	err := q.Enqueue(buffer.Item{Key: "pk_a"})
	require.ErrorIs(t, err, proxyerr.ErrState)
	_, err = q.Drain(func(buffer.Item) error { return nil }, true)
	require.ErrorIs(t, err, proxyerr.ErrState)

	require.NoError(t, q.StartBuffering("backend down"))
	require.Equal(t, buffer.StateBuffering, q.State())
	require.ErrorIs(t, q.StartBuffering("again"), proxyerr.ErrState)

	_, err = q.Drain(func(buffer.Item) error { return nil }, true)
	require.NoError(t, err)
	require.Equal(t, buffer.StateIdle, q.State())
}

func TestEnqueueCapacity(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))), buffer.WithMaxSize(2))
	require.NoError(t, q.StartBuffering("maintenance"))
	require.NoError(t, q.Enqueue(buffer.Item{Key: "pk_a"}))
	require.NoError(t, q.Enqueue(buffer.Item{Key: "pk_b"}))

	err := q.Enqueue(buffer.Item{Key: "pk_c"})
	require.ErrorIs(t, err, proxyerr.ErrCapacity)
	require.Equal(t, 2, q.Len())

	st := q.Stats()
	require.Equal(t, int64(1), st.Dropped)
	require.Equal(t, int64(2), st.TotalBuffered)
	require.Equal(t, "maintenance", st.Reason)
}

func TestDrainOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.UnixMilli(100))
	q := buffer.New(buffer.WithClock(clk))
	require.NoError(t, q.StartBuffering("down"))

	require.NoError(t, q.Enqueue(buffer.Item{ID: "c", Priority: 1}))
	clk.AdvanceMs(1)
	require.NoError(t, q.Enqueue(buffer.Item{ID: "b", Priority: 5}))
	clk.AdvanceMs(1)
	require.NoError(t, q.Enqueue(buffer.Item{ID: "a", Priority: 5}))
	require.NoError(t, q.Enqueue(buffer.Item{ID: "d", Priority: 1, EnqueuedAtMs: 100}))

	var order []string
	res, err := q.Drain(func(it buffer.Item) error {
		order = append(order, it.ID)
		return nil
	}, true)
	require.NoError(t, err)
	require.Equal(t, 4, res.Processed)
	// priority desc, then enqueue time asc, then id asc
	require.Equal(t, []string{"b", "a", "c", "d"}, order)
	require.Zero(t, q.Len())
}

func TestDrainStopsOnErrorWithoutContinue(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))))
	require.NoError(t, q.StartBuffering("down"))
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(buffer.Item{ID: id}))
	}

	boom := errors.New("backend still down")
	var seen []string
	res, err := q.Drain(func(it buffer.Item) error {
		seen = append(seen, it.ID)
		if it.ID == "b" {
			return boom
		}
		return nil
	}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, seen)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 2, res.Skipped)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "b", res.Errors[0].ItemID)
	require.ErrorIs(t, res.Errors[0].Err, boom)
	require.Equal(t, buffer.StateIdle, q.State())
}

func TestDrainContinueOnErrorVisitsAll(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))))
	require.NoError(t, q.StartBuffering("down"))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(buffer.Item{ID: id}))
	}

	res, err := q.Drain(func(it buffer.Item) error {
		if it.ID == "b" {
			return errors.New("nope")
		}
		return nil
	}, true)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 1, res.Failed)
	require.Zero(t, res.Skipped)
}

func TestDrainBatchLeavesRest(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))))
	require.NoError(t, q.StartBuffering("down"))
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(buffer.Item{ID: id, Priority: 4 - i}))
	}

	var seen []string
	res, err := q.DrainBatch(2, func(it buffer.Item) error {
		seen = append(seen, it.ID)
		return nil
	}, true)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, []string{"a", "b"}, seen)

	// Still buffering with the remainder queued.
	require.Equal(t, buffer.StateBuffering, q.State())
	require.Equal(t, 2, q.Len())
	require.NoError(t, q.Enqueue(buffer.Item{ID: "e"}))

	_, err = q.DrainBatch(0, func(buffer.Item) error { return nil }, true)
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}

func TestClear(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))))
	require.NoError(t, q.StartBuffering("down"))
	require.NoError(t, q.Enqueue(buffer.Item{ID: "a"}))
	require.NoError(t, q.Enqueue(buffer.Item{ID: "b"}))

	require.Equal(t, 2, q.Clear())
	require.Equal(t, buffer.StateIdle, q.State())
	require.Zero(t, q.Len())
}

func TestItemsSnapshotSorted(t *testing.T) {
	t.Parallel()

	q := buffer.New(buffer.WithClock(clock.NewFake(time.UnixMilli(0))))
	require.NoError(t, q.StartBuffering("down"))
	require.NoError(t, q.Enqueue(buffer.Item{ID: "low", Priority: 1}))
	require.NoError(t, q.Enqueue(buffer.Item{ID: "high", Priority: 9}))

	items := q.Items()
	require.Len(t, items, 2)
	require.Equal(t, "high", items[0].ID)
	require.Equal(t, int64(2), q.Stats().TotalBuffered)
}
