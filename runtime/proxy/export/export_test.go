package export_test

import (
	"time"

	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/export"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/metrics"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

func seededEngine(t *testing.T) *export.Engine {
	t.Helper()
	agg := metrics.New(metrics.WithClock(clock.NewFake(time.UnixMilli(1_000))))
	agg.Record(metrics.Record{Key: "beta", Tool: "fetch", Status: 200, LatencyMs: 40, Credits: 2, AtMs: 2_000})
	agg.Record(metrics.Record{Key: "alpha", Tool: "search", Status: 200, LatencyMs: 30, Credits: 5, AtMs: 1_000})
	agg.Record(metrics.Record{Key: "alpha", Tool: "embed", Status: 502, LatencyMs: 90, Credits: 0, AtMs: 3_000})
	return export.New(agg)
}

func TestExportCSV(t *testing.T) {
	t.Parallel()
	e := seededEngine(t)

	res, err := e.Export(export.Request{Format: export.FormatCSV})
	require.NoError(t, err)
	require.Equal(t, export.FormatCSV, res.Format)
	require.Equal(t, 3, res.Rows)

	want := "atMs,key,tool,status,latencyMs,credits\n" +
		"1000,alpha,search,200,30,5\n" +
		"2000,beta,fetch,200,40,2\n" +
		"3000,alpha,embed,502,90,0\n"
	require.Equal(t, want, string(res.Content))
}

func TestExportJSON(t *testing.T) {
	t.Parallel()
	e := seededEngine(t)

	res, err := e.Export(export.Request{Format: export.FormatJSON, Keys: []string{"alpha"}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)

	var rows []metrics.Record
	require.NoError(t, json.Unmarshal(res.Content, &rows))
	require.Len(t, rows, 2)
	require.Equal(t, "search", rows[0].Tool)
	require.Equal(t, "embed", rows[1].Tool)
}

func TestExportDefaultsToCSV(t *testing.T) {
	t.Parallel()
	e := seededEngine(t)

	res, err := e.Export(export.Request{})
	require.NoError(t, err)
	require.Equal(t, export.FormatCSV, res.Format)
}

func TestExportValidation(t *testing.T) {
	t.Parallel()
	e := seededEngine(t)

	_, err := e.Export(export.Request{Format: "xml"})
	require.ErrorIs(t, err, proxyerr.ErrValidation)
	_, err = e.Export(export.Request{Limit: -1})
	require.ErrorIs(t, err, proxyerr.ErrValidation)
	_, err = e.Export(export.Request{FromMs: 2_000, ToMs: 1_000})
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}

func TestExportWindowAndLimit(t *testing.T) {
	t.Parallel()
	e := seededEngine(t)

	res, err := e.Export(export.Request{FromMs: 1_500, ToMs: 2_500})
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)

	res, err = e.Export(export.Request{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
}

func TestExportEmpty(t *testing.T) {
	t.Parallel()
	agg := metrics.New(metrics.WithClock(clock.NewFake(time.UnixMilli(1_000))))
	e := export.New(agg)

	res, err := e.Export(export.Request{})
	require.NoError(t, err)
	require.Zero(t, res.Rows)
	require.Equal(t, "atMs,key,tool,status,latencyMs,credits\n", string(res.Content))

	res, err = e.Export(export.Request{Format: export.FormatJSON})
	require.NoError(t, err)
	require.Equal(t, "[]", string(res.Content))
}
