package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/pipeline"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

func noop(context.Context, *pipeline.Ctx) error { return nil }

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	m := pipeline.New()
	err := m.Register("bogus", pipeline.Handler{Name: "x", Func: noop})
	require.Equal(t, proxyerr.KindValidation, proxyerr.KindOf(err))

	err = m.Register(pipeline.StagePre, pipeline.Handler{Func: noop})
	require.Equal(t, proxyerr.KindValidation, proxyerr.KindOf(err))

	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{Name: "auth", Func: noop}))
	err = m.Register(pipeline.StagePre, pipeline.Handler{Name: "auth", Func: noop})
	require.Equal(t, proxyerr.KindStateError, proxyerr.KindOf(err))
}

func TestPriorityOrderWithTies(t *testing.T) {
	t.Parallel()

	m := pipeline.New()
	var order []string
	record := func(name string) pipeline.HandlerFunc {
		return func(context.Context, *pipeline.Ctx) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{Name: "low", Priority: 1, Func: record("low")}))
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{Name: "high", Priority: 10, Func: record("high")}))
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{Name: "tie-a", Priority: 5, Func: record("tie-a")}))
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{Name: "tie-b", Priority: 5, Func: record("tie-b")}))

	require.Equal(t, []string{"high", "tie-a", "tie-b", "low"}, m.Handlers(pipeline.StagePre))

	rc := pipeline.NewCtx("tools/call", "search", "pk_x")
	result := m.Run(context.Background(), pipeline.StagePre, rc)
	require.Equal(t, []string{"high", "tie-a", "tie-b", "low"}, order)
	require.Equal(t, result.Ran, order)
	require.False(t, result.Aborted)
}

func TestFiltersSkipNonMatching(t *testing.T) {
	t.Parallel()

	m := pipeline.New()
	var ran []string
	add := func(name string, tools, keys []string) {
		require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{
			Name:  name,
			Tools: tools,
			Keys:  keys,
			Func: func(context.Context, *pipeline.Ctx) error {
				ran = append(ran, name)
				return nil
			},
		}))
	}
	add("all", nil, nil)
	add("search-only", []string{"search"}, nil)
	add("fetch-only", []string{"fetch"}, nil)
	add("other-key", nil, []string{"pk_other"})
	add("wildcard-tool", []string{"*"}, nil)

	rc := pipeline.NewCtx("tools/call", "search", "pk_me")
	result := m.Run(context.Background(), pipeline.StagePre, rc)
	require.Equal(t, []string{"all", "search-only", "wildcard-tool"}, ran)
	require.Empty(t, result.Errors)
}

func TestAbortStopsStage(t *testing.T) {
	t.Parallel()

	m := pipeline.New()
	denied := proxyerr.Deniedf("no credits")
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{
		Name:     "gate",
		Priority: 10,
		Func: func(_ context.Context, rc *pipeline.Ctx) error {
			rc.Abort("insufficient credits", denied)
			return nil
		},
	}))
	var reached bool
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{
		Name: "later",
		Func: func(context.Context, *pipeline.Ctx) error {
			reached = true
			return nil
		},
	}))

	rc := pipeline.NewCtx("tools/call", "search", "pk_x")
	result := m.Run(context.Background(), pipeline.StagePre, rc)
	require.True(t, result.Aborted)
	require.Equal(t, "insufficient credits", result.AbortReason)
	require.False(t, reached)
	require.True(t, rc.Aborted())
	require.ErrorIs(t, rc.AbortErr(), denied)
}

func TestHandlerErrorAbortsUnlessContinueOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	m := pipeline.New()
	require.NoError(t, m.Register(pipeline.StagePost, pipeline.Handler{
		Name:            "tolerant",
		Priority:        10,
		ContinueOnError: true,
		Func:            func(context.Context, *pipeline.Ctx) error { return boom },
	}))
	var reached bool
	require.NoError(t, m.Register(pipeline.StagePost, pipeline.Handler{
		Name:     "strict",
		Priority: 5,
		Func:     func(context.Context, *pipeline.Ctx) error { return boom },
	}))
	require.NoError(t, m.Register(pipeline.StagePost, pipeline.Handler{
		Name: "after",
		Func: func(context.Context, *pipeline.Ctx) error {
			reached = true
			return nil
		},
	}))

	rc := pipeline.NewCtx("tools/call", "", "")
	result := m.Run(context.Background(), pipeline.StagePost, rc)

	require.Len(t, result.Errors, 2)
	require.Equal(t, "tolerant", result.Errors[0].Handler)
	require.Equal(t, "strict", result.Errors[1].Handler)
	require.True(t, result.Aborted)
	require.Contains(t, result.AbortReason, "strict")
	require.False(t, reached)
}

func TestCancellationStopsBetweenHandlers(t *testing.T) {
	t.Parallel()

	m := pipeline.New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{
		Name:     "canceler",
		Priority: 10,
		Func: func(context.Context, *pipeline.Ctx) error {
			cancel()
			return nil
		},
	}))
	var reached bool
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{
		Name: "after",
		Func: func(context.Context, *pipeline.Ctx) error {
			reached = true
			return nil
		},
	}))

	rc := pipeline.NewCtx("tools/call", "", "")
	result := m.Run(ctx, pipeline.StagePre, rc)
	require.True(t, result.Aborted)
	require.Equal(t, "request canceled", result.AbortReason)
	require.False(t, reached)
	require.ErrorIs(t, rc.AbortErr(), context.Canceled)
}

func TestDisableAndUnregister(t *testing.T) {
	t.Parallel()

	m := pipeline.New()
	var count int
	require.NoError(t, m.Register(pipeline.StagePre, pipeline.Handler{
		Name: "counter",
		Func: func(context.Context, *pipeline.Ctx) error {
			count++
			return nil
		},
	}))

	m.Run(context.Background(), pipeline.StagePre, pipeline.NewCtx("m", "", ""))
	require.Equal(t, 1, count)

	require.True(t, m.SetEnabled(pipeline.StagePre, "counter", false))
	m.Run(context.Background(), pipeline.StagePre, pipeline.NewCtx("m", "", ""))
	require.Equal(t, 1, count)

	require.True(t, m.SetEnabled(pipeline.StagePre, "counter", true))
	m.Run(context.Background(), pipeline.StagePre, pipeline.NewCtx("m", "", ""))
	require.Equal(t, 2, count)

	require.True(t, m.Unregister(pipeline.StagePre, "counter"))
	require.False(t, m.Unregister(pipeline.StagePre, "counter"))
	require.Empty(t, m.Handlers(pipeline.StagePre))
}

func TestCtxMetadata(t *testing.T) {
	t.Parallel()

	rc := pipeline.NewCtx("tools/call", "search", "pk_x")
	rc.Set("cost", int64(3))
	v, ok := rc.Get("cost")
	require.True(t, ok)
	require.Equal(t, int64(3), v)
	_, ok = rc.Get("absent")
	require.False(t, ok)
}
