package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/harun/agentgate/pkg/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlerReturning(v interface{}, err error) RequestHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return v, err
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		assert.NoError(t, router.RegisterMethod("test.method", handlerReturning("result", nil)))
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should reject empty name", func(t *testing.T) {
		assert.Error(t, router.RegisterMethod("", handlerReturning(nil, nil)))
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"turn.submit","params":{"key":"value","request_id":"r-9"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "turn.submit", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "r-9", req.IdempotencyKey)
	})

	tests := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"missing id", `{"method":"test.method"}`, InvalidRequest, "missing id"},
		{"missing method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)

			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}

	t.Run("parse error data is an object", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{invalid json}`))
		require.Error(t, err)

		encoded, err := json.Marshal(err)
		require.NoError(t, err)
		var wire struct {
			Data map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(encoded, &wire))
		assert.NotEmpty(t, wire.Data["detail"])
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	require.NoError(t, router.RegisterMethod("test.echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": params["input"]}, nil
	}))
	require.NoError(t, router.RegisterMethod("test.error", handlerReturning(nil, fmt.Errorf("handler error"))))
	require.NoError(t, router.RegisterMethod("test.params", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params != nil, nil
	}))

	t.Run("should route to registered handler", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.echo", Params: map[string]interface{}{"input": "hello"}})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result.(map[string]interface{})["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "unknown.method"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should map plain handler errors to internal", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "test.error"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should hand handlers a non-nil params map", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "4", Method: "test.params"})
		assert.Equal(t, true, resp.Result)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()
	now := time.Now()
	router.now = func() time.Time { return now }

	calls := 0
	require.NoError(t, router.RegisterMethod("count", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := router.RouteRequest(ctx, &RPCRequest{ID: "a", Method: "count", IdempotencyKey: "k1"})
	second := router.RouteRequest(ctx, &RPCRequest{ID: "b", Method: "count", IdempotencyKey: "k1"})
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "b", second.ID)

	router.RouteRequest(ctx, &RPCRequest{ID: "c", Method: "count", IdempotencyKey: "k2"})
	router.RouteRequest(ctx, &RPCRequest{ID: "d", Method: "count"})
	assert.Equal(t, 3, calls)

	now = now.Add(DefaultIdempotencyTTL + time.Second)
	router.RouteRequest(ctx, &RPCRequest{ID: "e", Method: "count", IdempotencyKey: "k1"})
	assert.Equal(t, 4, calls)
}

func TestRPCRouter_RetryableErrorsAreNotReplayed(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	calls := 0
	require.NoError(t, router.RegisterMethod("flaky", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, turn.NewError(turn.KindBackendUnavailable, "test", nil)
		}
		return "ok", nil
	}))

	first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "flaky", IdempotencyKey: "k"})
	require.NotNil(t, first.Error)
	assert.Equal(t, BackendUnavailable, first.Error.Code)

	second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "flaky", IdempotencyKey: "k"})
	assert.Nil(t, second.Error)
	assert.Equal(t, "ok", second.Result)
	assert.Equal(t, 2, calls)
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()
	assert.Empty(t, router.GetMethods())

	for _, name := range []string{"method3", "method1", "method2"} {
		require.NoError(t, router.RegisterMethod(name, handlerReturning(nil, nil)))
	}
	assert.Equal(t, []string{"method1", "method2", "method3"}, router.GetMethods())
}

func TestRPCErrorFrom_KindCodes(t *testing.T) {
	partial := turn.NewResult("conv-1")
	partial.Text = "half"

	tests := []struct {
		name      string
		err       error
		code      int
		kind      turn.Kind
		causeKind turn.Kind
	}{
		{"invalid identity", turn.NewError(turn.KindInvalidIdentity, "op", nil), InvalidParams, turn.KindInvalidIdentity, ""},
		{"unavailable", turn.NewError(turn.KindBackendUnavailable, "op", nil), BackendUnavailable, turn.KindBackendUnavailable, ""},
		{"timeout", turn.NewError(turn.KindBackendTimeout, "op", nil), BackendTimeout, turn.KindBackendTimeout, ""},
		{"recovery failed", turn.NewError(turn.KindSessionRecoveryFailed, "op", nil), RecoveryFailed, turn.KindSessionRecoveryFailed, ""},
		{
			"stage failed",
			turn.NewError(turn.KindPipelineStageFailed, "op", turn.NewError(turn.KindBackendTimeout, "run", nil)).WithPartial(partial),
			StageFailed, turn.KindPipelineStageFailed, turn.KindBackendTimeout,
		},
		{"plain error", fmt.Errorf("boom"), InternalError, turn.KindInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := rpcErrorFrom(tt.err)
			assert.Equal(t, tt.code, rpcErr.Code)

			data, ok := rpcErr.Data.(ErrorData)
			require.True(t, ok)
			assert.Equal(t, tt.kind, data.Kind)
			assert.Equal(t, tt.causeKind, data.CauseKind)
		})
	}

	data := rpcErrorFrom(turn.NewError(turn.KindPipelineStageFailed, "op", nil).WithPartial(partial)).Data.(ErrorData)
	require.NotNil(t, data.Partial)
	assert.Equal(t, "half", data.Partial.Text)

	passthrough := &RPCError{Code: InvalidParams, Message: "bad"}
	assert.Same(t, passthrough, rpcErrorFrom(passthrough))
}
