package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway answers /rpc with fn's reply and records the last request.
func fakeGateway(t *testing.T, fn func(method string, params map[string]interface{}) string) (addr string, last *http.Header) {
	t.Helper()
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		var req struct {
			ID     string                 `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fn(req.Method, req.Params)))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), &header
}

func TestSubmitCommand(t *testing.T) {
	t.Run("prints reply and conversation", func(t *testing.T) {
		var got map[string]interface{}
		addr, header := fakeGateway(t, func(method string, params map[string]interface{}) string {
			got = params
			return `{"id":"1","result":{"text":"hi there","conversation_id":"faq_agent-u1-abc","recovered":true,
				"tool_calls":[{"name":"search","outcome":"ok"}]}}`
		})

		out, err := execute(t, "submit", "--addr", addr, "--agent", "faq_agent", "--user", "u1",
			"--conversation", "faq_agent-u1-old", "--request-id", "r-1", "--json=false", "hello", "world")
		require.NoError(t, err)

		assert.Equal(t, "hello world", got["message"])
		assert.Equal(t, "faq_agent-u1-old", got["conversation_id"])
		assert.Equal(t, "r-1", header.Get("X-Request-ID"))
		assert.Contains(t, out, "hi there")
		assert.Contains(t, out, "conversation: faq_agent-u1-abc")
		assert.Contains(t, out, "session was lost")
		assert.Contains(t, out, "tool: search (ok)")
	})

	t.Run("surfaces rpc errors", func(t *testing.T) {
		addr, _ := fakeGateway(t, func(string, map[string]interface{}) string {
			return `{"id":"1","error":{"code":-32010,"message":"backend unavailable","data":{"kind":"BackendUnavailable"}}}`
		})

		_, err := execute(t, "submit", "--addr", addr, "--agent", "a", "--user", "u",
			"--conversation", "", "--request-id", "", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "-32010")
		assert.Contains(t, err.Error(), "BackendUnavailable")
	})

	t.Run("requires agent and user", func(t *testing.T) {
		cmd := GetRootCmd()
		sub, _, err := cmd.Find([]string{"submit"})
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("agent").Annotations)
		assert.NotNil(t, sub.Flags().Lookup("user").Annotations)
	})
}

func TestCallGateway(t *testing.T) {
	addr, _ := fakeGateway(t, func(method string, params map[string]interface{}) string {
		switch method {
		case "health":
			return `{"id":"1","result":{"status":"ok","agents":2}}`
		case "empty":
			return `{"id":"1"}`
		default:
			return `not json`
		}
	})

	var health map[string]interface{}
	require.NoError(t, callGateway(context.Background(), addr, "health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	assert.Error(t, callGateway(context.Background(), addr, "empty", nil, &health))
	assert.Error(t, callGateway(context.Background(), addr, "garbage", nil, &health))

	var rpcErr *rpcCallError
	addr2, _ := fakeGateway(t, func(string, map[string]interface{}) string {
		return `{"id":"1","error":{"code":-32602,"message":"bad"}}`
	})
	err := callGateway(context.Background(), addr2, "x", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}
