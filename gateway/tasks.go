package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/pipeline"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Task states.
const (
	TaskSubmitted = "submitted"
	TaskWorking   = "working"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

type (
	// Task is one asynchronous tool call tracked by the gateway. Tasks
	// are visible only to the key that submitted them.
	Task struct {
		ID          string          `json:"taskId"`
		Key         string          `json:"-"`
		Tool        string          `json:"tool"`
		State       string          `json:"state"`
		Result      json.RawMessage `json:"result,omitempty"`
		Error       *jsonrpc.Error  `json:"error,omitempty"`
		CreatedAtMs int64           `json:"createdAtMs"`
		UpdatedAtMs int64           `json:"updatedAtMs"`
	}

	task struct {
		Task
		cancel context.CancelFunc
	}

	// taskStore tracks asynchronous tool calls. Terminal tasks stay
	// readable until the process exits.
	taskStore struct {
		mu    sync.Mutex
		clk   clock.Clock
		tasks map[string]*task
	}
)

func newTaskStore(clk clock.Clock) *taskStore {
	return &taskStore{clk: clk, tasks: make(map[string]*task)}
}

func (ts *taskStore) create(key, tool string, cancel context.CancelFunc) Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := ts.clk.NowMs()
	t := &task{
		Task: Task{
			ID:          uuid.NewString(),
			Key:         key,
			Tool:        tool,
			State:       TaskSubmitted,
			CreatedAtMs: now,
			UpdatedAtMs: now,
		},
		cancel: cancel,
	}
	ts.tasks[t.ID] = t
	return t.Task
}

func (ts *taskStore) get(id, key string) (Task, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tasks[id]
	if !ok || t.Key != key {
		return Task{}, false
	}
	return t.Task, true
}

// transition moves a task to the given state unless it already reached
// a terminal one. Settlement is gated on the return so a cancel that
// wins the race suppresses billing for the late result.
func (ts *taskStore) transition(id, state string, result json.RawMessage, rpcErr *jsonrpc.Error) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tasks[id]
	if !ok || terminalTaskState(t.State) {
		return false
	}
	t.State = state
	t.Result = result
	t.Error = rpcErr
	t.UpdatedAtMs = ts.clk.NowMs()
	return true
}

func (ts *taskStore) cancelTask(id, key string) (Task, *jsonrpc.Error) {
	ts.mu.Lock()
	t, ok := ts.tasks[id]
	if !ok || t.Key != key {
		ts.mu.Unlock()
		return Task{}, jsonrpc.Errorf(jsonrpc.CodeTaskNotFound, "task %q not found", id)
	}
	if terminalTaskState(t.State) {
		state := t.State
		ts.mu.Unlock()
		return Task{}, jsonrpc.Errorf(jsonrpc.CodeTaskNotCancelable, "task %q already %s", id, state)
	}
	t.State = TaskCanceled
	t.UpdatedAtMs = ts.clk.NowMs()
	cancel := t.cancel
	snap := t.Task
	ts.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return snap, nil
}

func (ts *taskStore) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tasks)
}

func terminalTaskState(state string) bool {
	switch state {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// tasksSend admits the call synchronously so denials surface on the
// request itself, then forwards in the background so tasks/cancel has
// something to cancel.
func (gw *Gateway) tasksSend(ctx context.Context, req *jsonrpc.Request, rec keystore.KeyRecord) jsonrpc.Response {
	params, err := req.ParamsMap()
	if err != nil {
		return jsonrpc.NewError(req.ResponseID(), jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params must be an object"))
	}
	tool, _ := params["name"].(string)
	if tool == "" {
		return jsonrpc.NewError(req.ResponseID(), jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params.name is required"))
	}

	rc := pipeline.NewCtx(req.Method, tool, rec.Key)
	rc.Params = params
	rc.KeyRecord = rec
	rc.CostCredits = gw.costOf(tool)

	if err := gw.admit(ctx, rc); err != nil {
		resp, _ := gw.denialResponse(req, rc, err)
		return resp
	}

	// The forward outlives the HTTP request that submitted it.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := gw.tasks.create(rec.Key, tool, cancel)
	go func() {
		defer cancel()
		gw.runTask(taskCtx, t.ID, rc)
	}()

	resp, rerr := jsonrpc.NewResult(req.ResponseID(), map[string]any{"taskId": t.ID, "state": t.State})
	if rerr != nil {
		return errorResponse(req, rerr)
	}
	return resp
}

func (gw *Gateway) runTask(ctx context.Context, id string, rc *pipeline.Ctx) {
	gw.tasks.transition(id, TaskWorking, nil, nil)
	result, err := gw.forward(ctx, rc)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Canceled through tasks/cancel; the store already holds
			// the terminal state.
			return
		}
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = proxyerr.RPCError(err)
		}
		if gw.tasks.transition(id, TaskFailed, nil, rpcErr) {
			gw.settleFailure(ctx, rc, err)
		}
		return
	}
	if gw.tasks.transition(id, TaskCompleted, result, nil) {
		gw.settleSuccess(ctx, rc, result)
	}
}

func (gw *Gateway) tasksGet(req *jsonrpc.Request, rec keystore.KeyRecord) jsonrpc.Response {
	id, rpcErr := taskIDFrom(req)
	if rpcErr != nil {
		return jsonrpc.NewError(req.ResponseID(), rpcErr)
	}
	t, ok := gw.tasks.get(id, rec.Key)
	if !ok {
		return jsonrpc.NewError(req.ResponseID(), jsonrpc.Errorf(jsonrpc.CodeTaskNotFound, "task %q not found", id))
	}
	resp, rerr := jsonrpc.NewResult(req.ResponseID(), t)
	if rerr != nil {
		return errorResponse(req, rerr)
	}
	return resp
}

func (gw *Gateway) tasksCancel(req *jsonrpc.Request, rec keystore.KeyRecord) jsonrpc.Response {
	id, rpcErr := taskIDFrom(req)
	if rpcErr != nil {
		return jsonrpc.NewError(req.ResponseID(), rpcErr)
	}
	t, cancelErr := gw.tasks.cancelTask(id, rec.Key)
	if cancelErr != nil {
		return jsonrpc.NewError(req.ResponseID(), cancelErr)
	}
	gw.met.IncCounter("paygate.tasks.canceled", 1, "tool", t.Tool)
	resp, rerr := jsonrpc.NewResult(req.ResponseID(), map[string]any{"taskId": t.ID, "state": t.State})
	if rerr != nil {
		return errorResponse(req, rerr)
	}
	return resp
}

func taskIDFrom(req *jsonrpc.Request) (string, *jsonrpc.Error) {
	params, err := req.ParamsMap()
	if err != nil {
		return "", jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params must be an object")
	}
	id, _ := params["taskId"].(string)
	if id == "" {
		id, _ = params["id"].(string)
	}
	if id == "" {
		return "", jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params.taskId is required")
	}
	return id, nil
}
