// Package stdio runs the backend as a child process and speaks JSON-RPC
// over its standard pipes using Content-Length framing.
//
// One read loop owns stdout and routes responses to pending calls by id.
// When the process dies every pending call fails with an upstream error,
// leaving restart policy to the gateway.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/walker77/paygate-mcp-sub010/features/backend"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

type (
	// Options configures the child process and the initialize handshake.
	Options struct {
		Command         string
		Args            []string
		Env             []string
		Dir             string
		ClientName      string
		ClientVersion   string
		ProtocolVersion string
		InitTimeout     time.Duration
	}

	// Caller is a backend.Caller over a child process. Safe for concurrent
	// use; writes are serialized, reads are demultiplexed by request id.
	Caller struct {
		cmd        *exec.Cmd
		stdin      io.WriteCloser
		pending    map[uint64]chan callResult
		pendingMu  sync.Mutex
		writeMu    sync.Mutex
		nextID     uint64
		closed     chan struct{}
		closeOnce  sync.Once
		closeErr   error
		closeErrMu sync.Mutex
	}

	callResult struct {
		resp backend.Response
		err  error
	}
)

var _ backend.Caller = (*Caller)(nil)

// New launches the command, performs the initialize handshake, and returns
// a caller bound to the live process. The context bounds the process
// lifetime: when it ends the child is killed.
func New(ctx context.Context, opts Options) (*Caller, error) {
	if opts.Command == "" {
		return nil, proxyerr.Validationf("backend command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindUpstream, "start backend", err)
	}
	c := &Caller{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	if err := c.initialize(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close terminates the child process and releases resources. Idempotent.
func (c *Caller) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

// Done is closed when the caller shuts down, either through Close or
// because the child process died. Supervisors watch it to respawn the
// backend.
func (c *Caller) Done() <-chan struct{} {
	return c.closed
}

// Call sends one request and blocks for its response. Backend-reported
// errors return as *jsonrpc.Error; transport failures as upstream errors.
func (c *Caller) Call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := backend.Request{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return proxyerr.Wrap(proxyerr.KindUpstream, "decode backend result", err)
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

func (c *Caller) initialize(ctx context.Context, opts Options) error {
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	params := backend.InitializeParams(opts.ClientName, opts.ClientVersion, opts.ProtocolVersion)
	return c.Call(initCtx, "initialize", params, nil)
}

func (c *Caller) writeMessage(req backend.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := backend.WriteFrame(c.stdin, req); err != nil {
		return proxyerr.Wrap(proxyerr.KindUpstream, "write to backend", err)
	}
	return nil
}

func (c *Caller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := backend.ReadFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp backend.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		// Server-initiated notifications carry no id.
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
}

// failPending fails every in-flight call with an upstream error and shuts
// the caller down. Runs once, when the read loop dies.
func (c *Caller) failPending(err error) {
	uerr := proxyerr.Wrap(proxyerr.KindUpstream, "backend connection lost", err)
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: uerr}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(uerr)
	_ = c.Close()
}

func (c *Caller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Caller) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Caller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *Caller) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return proxyerr.Upstreamf("backend closed")
	}
	return c.closeErr
}
