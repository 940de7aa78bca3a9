// Package backend defines the contract between the gateway and the
// downstream tool server, plus the wire plumbing both transports share.
//
// A Caller owns one logical connection to the backend. Transport failures
// surface as upstream-kinded errors so the retry layer can tell a flaky
// backend from a request the backend deliberately rejected; errors the
// backend itself reports come back as *jsonrpc.Error and are passed through
// to the client untouched.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
)

// DefaultProtocolVersion is sent during the initialize handshake when the
// caller options leave the protocol version empty.
const DefaultProtocolVersion = "2024-11-05"

type (
	// Caller invokes JSON-RPC methods on the backend. Call blocks until the
	// backend answers, the context ends, or the connection dies. Close
	// releases the connection and is safe to call more than once.
	Caller interface {
		Call(ctx context.Context, method string, params any, result any) error
		Close() error
	}

	// CallerFunc adapts a function to implement Caller. Useful for
	// in-process fakes.
	CallerFunc func(ctx context.Context, method string, params any, result any) error

	// Request is the envelope a caller puts on the wire. IDs are assigned
	// per connection, so a plain counter suffices.
	Request struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	// Response is the envelope the backend answers with. Result stays raw
	// so the gateway can pass backend payloads through unmodified.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *jsonrpc.Error  `json:"error"`
		ID      uint64          `json:"id"`
	}
)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, method string, params any, result any) error {
	return f(ctx, method, params, result)
}

// Close implements Caller. It is a no-op.
func (f CallerFunc) Close() error { return nil }

// InitializeParams builds the initialize handshake payload. Empty fields
// fall back to the proxy identity and DefaultProtocolVersion.
func InitializeParams(clientName, clientVersion, protocolVersion string) map[string]any {
	if clientName == "" {
		clientName = "paygate"
	}
	if clientVersion == "" {
		clientVersion = "dev"
	}
	if protocolVersion == "" {
		protocolVersion = DefaultProtocolVersion
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

// WriteFrame writes v as a Content-Length framed JSON message.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one Content-Length framed JSON message. Header lines
// before the blank separator other than Content-Length are ignored.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
