package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/gateway"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
)

// sendTask submits one async call and returns the task id.
func sendTask(t *testing.T, tg *testGateway, key, tool string, args map[string]any) string {
	t.Helper()
	params := map[string]any{"name": tool}
	if args != nil {
		params["arguments"] = args
	}
	resp, code := tg.rpc(t, key, rpcBody(t, "tasks/send", params))
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, resp.Error, "tasks/send failed: %v", resp.Error)

	var out struct {
		TaskID string `json:"taskId"`
		State  string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Equal(t, "submitted", out.State)
	require.NotEmpty(t, out.TaskID)
	return out.TaskID
}

// getTask polls tasks/get without failing the test, so it can run inside
// require.Eventually conditions.
func (tg *testGateway) getTask(key, id string) (string, json.RawMessage, *jsonrpc.Error) {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tasks/get",
		"params": map[string]any{"taskId": id},
	})
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("X-API-Key", key)
	w := httptest.NewRecorder()
	tg.handler.ServeHTTP(w, req)

	var resp jsonrpc.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		return "", nil, jsonrpc.Errorf(jsonrpc.CodeInternalError, "bad envelope: %v", err)
	}
	if resp.Error != nil {
		return "", nil, resp.Error
	}
	var task struct {
		State  string          `json:"state"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp.Result, &task); err != nil {
		return "", nil, jsonrpc.Errorf(jsonrpc.CodeInternalError, "bad task payload: %v", err)
	}
	return task.State, task.Result, nil
}

func TestTaskCompletesAndSettles(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, gateway.Config{})
	release := make(chan struct{})
	tg.backend.setReply(func(ctx context.Context, _ string, _ any, result any) error {
		select {
		case <-release:
			return writeResult(result, map[string]any{"answer": 42})
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	rec := tg.createKey(t, map[string]any{"name": "async", "credits": 10})

	id := sendTask(t, tg, rec.Key, "search", map[string]any{"q": "slow"})

	require.Eventually(t, func() bool {
		state, _, rpcErr := tg.getTask(rec.Key, id)
		return rpcErr == nil && state == "working"
	}, 2*time.Second, 10*time.Millisecond)

	// Nothing is charged while the task runs.
	require.Equal(t, int64(10), tg.balance(t, rec.Key))

	close(release)
	require.Eventually(t, func() bool {
		state, _, rpcErr := tg.getTask(rec.Key, id)
		return rpcErr == nil && state == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	state, result, rpcErr := tg.getTask(rec.Key, id)
	require.Nil(t, rpcErr)
	require.Equal(t, "completed", state)
	require.JSONEq(t, `{"answer":42}`, string(result))

	require.Equal(t, int64(9), tg.balance(t, rec.Key))
	events := tg.ledger(t, rec.Key)
	require.Len(t, events, 1)
	require.Equal(t, "tool.allowed", events[0].Type)
}

func TestTaskFailureRecorded(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, gateway.Config{})
	tg.backend.setReply(func(context.Context, string, any, any) error {
		return jsonrpc.Errorf(-32050, "tool exploded")
	})
	rec := tg.createKey(t, map[string]any{"name": "asyncfail", "credits": 10})

	id := sendTask(t, tg, rec.Key, "search", map[string]any{"q": "boom"})

	require.Eventually(t, func() bool {
		state, _, rpcErr := tg.getTask(rec.Key, id)
		return rpcErr == nil && state == "failed"
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := tg.rpc(t, rec.Key, rpcBody(t, "tasks/get", map[string]any{"taskId": id}))
	require.Nil(t, resp.Error)
	var task struct {
		Error *jsonrpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &task))
	require.NotNil(t, task.Error)
	require.Equal(t, -32050, task.Error.Code)

	require.Equal(t, int64(10), tg.balance(t, rec.Key))
}

func TestTaskCancelSuppressesBilling(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, gateway.Config{})
	tg.backend.setReply(func(ctx context.Context, _ string, _ any, result any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	rec := tg.createKey(t, map[string]any{"name": "cancel", "credits": 10})

	id := sendTask(t, tg, rec.Key, "search", map[string]any{"q": "forever"})
	require.Eventually(t, func() bool {
		state, _, rpcErr := tg.getTask(rec.Key, id)
		return rpcErr == nil && state == "working"
	}, 2*time.Second, 10*time.Millisecond)

	resp, code := tg.rpc(t, rec.Key, rpcBody(t, "tasks/cancel", map[string]any{"taskId": id}))
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, resp.Error)
	var out struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Equal(t, "canceled", out.State)

	state, _, rpcErr := tg.getTask(rec.Key, id)
	require.Nil(t, rpcErr)
	require.Equal(t, "canceled", state)

	// A canceled task never settles: no deduction, no ledger event.
	require.Equal(t, int64(10), tg.balance(t, rec.Key))
	require.Empty(t, tg.ledger(t, rec.Key))

	// Terminal tasks cannot be canceled again.
	resp, _ = tg.rpc(t, rec.Key, rpcBody(t, "tasks/cancel", map[string]any{"taskId": id}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeTaskNotCancelable, resp.Error.Code)
}

func TestTaskAdmissionIsSynchronous(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, gateway.Config{})
	rec := tg.createKey(t, map[string]any{"name": "poor", "credits": 0})

	resp, code := tg.rpc(t, rec.Key, rpcBody(t, "tasks/send", map[string]any{
		"name":      "search",
		"arguments": map[string]any{"q": 1},
	}))
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInsufficientCredits, resp.Error.Code)
	require.Zero(t, tg.backend.count("tools/call"))
}

func TestTaskOwnershipAndUnknownIDs(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, gateway.Config{})
	owner := tg.createKey(t, map[string]any{"name": "owner", "credits": 10})
	other := tg.createKey(t, map[string]any{"name": "other", "credits": 10})

	id := sendTask(t, tg, owner.Key, "search", map[string]any{"q": "mine"})
	require.Eventually(t, func() bool {
		state, _, rpcErr := tg.getTask(owner.Key, id)
		return rpcErr == nil && state == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	// Unknown ids and other keys' tasks are indistinguishable.
	_, _, rpcErr := tg.getTask(owner.Key, "t_nope")
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeTaskNotFound, rpcErr.Code)

	_, _, rpcErr = tg.getTask(other.Key, id)
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeTaskNotFound, rpcErr.Code)

	resp, _ := tg.rpc(t, other.Key, rpcBody(t, "tasks/cancel", map[string]any{"taskId": id}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeTaskNotFound, resp.Error.Code)

	resp, _ = tg.rpc(t, owner.Key, rpcBody(t, "tasks/get", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}
