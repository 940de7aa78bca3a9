// Package export renders usage records for download.
//
// The engine reads from the metrics aggregator and emits CSV or JSON. Row
// order follows the aggregator's query order (time, then key, then tool) so
// repeated exports of the same window are byte-identical.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"

	"github.com/samber/lo"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/metrics"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Output formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// csvHeader is the fixed CSV column order.
var csvHeader = []string{"atMs", "key", "tool", "status", "latencyMs", "credits"}

type (
	// Request selects and shapes the records to export.
	Request struct {
		Keys   []string `json:"keys,omitempty"`
		Tools  []string `json:"tools,omitempty"`
		FromMs int64    `json:"fromMs,omitempty"`
		ToMs   int64    `json:"toMs,omitempty"`
		Format string   `json:"format,omitempty"`
		Limit  int      `json:"limit,omitempty"`
	}

	// Result is a rendered export.
	Result struct {
		Format  string `json:"format"`
		Rows    int    `json:"rows"`
		Content []byte `json:"content"`
	}

	// Source supplies filtered usage records.
	Source interface {
		Query(metrics.Filter) []metrics.Record
	}

	// Engine renders exports from a record source.
	Engine struct {
		src Source
	}
)

// New returns an Engine reading from src.
func New(src Source) *Engine {
	return &Engine{src: src}
}

// Export renders the records selected by req. An empty format defaults to
// CSV.
func (e *Engine) Export(req Request) (Result, error) {
	format := req.Format
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatJSON {
		return Result{}, proxyerr.Validationf("unknown export format %q", req.Format)
	}
	if req.Limit < 0 {
		return Result{}, proxyerr.Validationf("limit must be >= 0")
	}
	if req.FromMs > 0 && req.ToMs > 0 && req.ToMs < req.FromMs {
		return Result{}, proxyerr.Validationf("export window ends before it starts")
	}

	records := e.src.Query(metrics.Filter{
		Keys:   req.Keys,
		Tools:  req.Tools,
		FromMs: req.FromMs,
		ToMs:   req.ToMs,
		Limit:  req.Limit,
	})

	var (
		content []byte
		err     error
	)
	switch format {
	case FormatCSV:
		content, err = renderCSV(records)
	case FormatJSON:
		content, err = json.Marshal(records)
	}
	if err != nil {
		return Result{}, proxyerr.Wrap(proxyerr.KindInternal, "render export", err)
	}
	return Result{Format: format, Rows: len(records), Content: content}, nil
}

func renderCSV(records []metrics.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	rows := lo.Map(records, func(r metrics.Record, _ int) []string {
		return []string{
			strconv.FormatInt(r.AtMs, 10),
			r.Key,
			r.Tool,
			strconv.Itoa(r.Status),
			strconv.FormatInt(r.LatencyMs, 10),
			strconv.FormatInt(r.Credits, 10),
		}
	})
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
