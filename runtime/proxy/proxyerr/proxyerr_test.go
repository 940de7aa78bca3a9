package proxyerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	t.Parallel()

	inner := proxyerr.NotFoundf("key %q not found", "pk_abc")
	wrapped := fmt.Errorf("lookup failed: %w", inner)
	require.Equal(t, proxyerr.KindNotFound, proxyerr.KindOf(wrapped))
	require.Equal(t, proxyerr.KindInternal, proxyerr.KindOf(errors.New("plain")))
}

func TestRPCErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", proxyerr.Validationf("bad input"), jsonrpc.CodeInvalidRequest},
		{"credits", proxyerr.Deniedf("insufficient credits").WithData("deny", proxyerr.DenyCredits), jsonrpc.CodeInsufficientCredits},
		{"rate", proxyerr.Deniedf("rate limit exceeded").WithData("deny", proxyerr.DenyRateLimit), jsonrpc.CodeRateLimited},
		{"duplicate", proxyerr.Deniedf("duplicate request").WithData("deny", proxyerr.DenyDuplicate), jsonrpc.CodeDuplicate},
		{"scope", proxyerr.Deniedf("missing scope").WithData("deny", proxyerr.DenyScope), jsonrpc.CodeForbidden},
		{"maintenance", proxyerr.Deniedf("maintenance").WithData("deny", proxyerr.DenyMaintenance), jsonrpc.CodeMaintenance},
		{"conflict", proxyerr.Conflictf("version mismatch"), jsonrpc.CodeConflict},
		{"not found", proxyerr.NotFoundf("missing"), jsonrpc.CodeTaskNotFound},
		{"state", proxyerr.Statef("already finalized"), jsonrpc.CodeInvalidState},
		{"capacity", proxyerr.Capacityf("full"), jsonrpc.CodeCapacity},
		{"upstream", proxyerr.Upstreamf("backend down"), jsonrpc.CodeUpstreamError},
		{"internal", proxyerr.Internalf("boom"), jsonrpc.CodeInternalError},
		{"plain error", errors.New("boom"), jsonrpc.CodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.code, proxyerr.RPCError(tc.err).Code)
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusBadRequest, proxyerr.HTTPStatus(proxyerr.Validationf("x")))
	require.Equal(t, http.StatusForbidden, proxyerr.HTTPStatus(proxyerr.Deniedf("x")))
	require.Equal(t, http.StatusTooManyRequests, proxyerr.HTTPStatus(proxyerr.Deniedf("x").WithData("deny", proxyerr.DenyRateLimit)))
	require.Equal(t, http.StatusUnauthorized, proxyerr.HTTPStatus(proxyerr.Deniedf("x").WithData("deny", proxyerr.DenyAuth)))
	require.Equal(t, http.StatusConflict, proxyerr.HTTPStatus(proxyerr.Statef("x")))
	require.Equal(t, http.StatusConflict, proxyerr.HTTPStatus(proxyerr.Conflictf("x")))
	require.Equal(t, http.StatusNotFound, proxyerr.HTTPStatus(proxyerr.NotFoundf("x")))
	require.Equal(t, http.StatusTooManyRequests, proxyerr.HTTPStatus(proxyerr.Capacityf("x")))
	require.Equal(t, http.StatusBadGateway, proxyerr.HTTPStatus(proxyerr.Upstreamf("x")))
	require.Equal(t, http.StatusInternalServerError, proxyerr.HTTPStatus(errors.New("x")))
}

func TestSentinelsMatchByKind(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, proxyerr.Validationf("bad input"), proxyerr.ErrValidation)
	require.ErrorIs(t, proxyerr.NotFoundf("missing"), proxyerr.ErrNotFound)
	require.ErrorIs(t, proxyerr.Statef("finalized"), proxyerr.ErrState)
	require.ErrorIs(t, proxyerr.Capacityf("full"), proxyerr.ErrCapacity)
	require.ErrorIs(t, proxyerr.Conflictf("version"), proxyerr.ErrConflict)
	require.NotErrorIs(t, proxyerr.Validationf("bad input"), proxyerr.ErrNotFound)

	wrapped := fmt.Errorf("outer: %w", proxyerr.Capacityf("full"))
	require.ErrorIs(t, wrapped, proxyerr.ErrCapacity)
}

func TestErrorChaining(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk gone")
	err := proxyerr.Wrap(proxyerr.KindInternal, "persist state", cause)
	require.Equal(t, "persist state: disk gone", err.Error())
	require.ErrorIs(t, err, cause)

	data := proxyerr.DataOf(proxyerr.Deniedf("no").WithData("retryAfterMs", int64(500)))
	require.Equal(t, int64(500), data["retryAfterMs"])
}
