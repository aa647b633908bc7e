package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentgate/pkg/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adkServer is a minimal ADK-style server keeping sessions in memory
type adkServer struct {
	mu       sync.Mutex
	sessions map[string]bool
	runs     []adkRunRequest
	delay    time.Duration
}

func newADKServer(t *testing.T) (*adkServer, *httptest.Server) {
	t.Helper()

	s := &adkServer{sessions: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			if s.sessions[key] {
				http.Error(w, "Session already exists", http.StatusConflict)
				return
			}
			s.sessions[key] = true
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":"x"}`))
		case http.MethodDelete:
			if !s.sessions[key] {
				http.Error(w, "Session not found", http.StatusNotFound)
				return
			}
			delete(s.sessions, key)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		var req adkRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		s.runs = append(s.runs, req)
		key := "/apps/" + req.AppName + "/users/" + req.UserID + "/sessions/" + req.SessionID
		exists := s.sessions[key]
		delay := s.delay
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if !exists {
			// ADK servers report a missing session as a 500 with a ValueError message.
			http.Error(w, "ValueError: Session not found: "+req.SessionID, http.StatusInternalServerError)
			return
		}
		text := ""
		if n := len(req.NewMessage.Parts); n > 0 {
			text = req.NewMessage.Parts[n-1].Text
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"author": req.AppName, "content": map[string]interface{}{
				"role":  "model",
				"parts": []map[string]interface{}{{"text": "echo: " + text}},
			}},
		})
	})
	mux.HandleFunc("/list-apps", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["faq_agent"]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestNewADKClient_Validation(t *testing.T) {
	_, err := NewADKClient(ADKConfig{})
	assert.Error(t, err)

	c, err := NewADKClient(ADKConfig{BaseURL: "http://localhost:8000/", ConcurrentTurns: true})
	require.NoError(t, err)
	assert.True(t, c.Capabilities().ConcurrentTurns)
	assert.Equal(t, DefaultCallTimeout, c.timeout)
}

func TestADKClient_SessionLifecycle(t *testing.T) {
	server, srv := newADKServer(t)
	c, err := NewADKClient(ADKConfig{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.CreateSession(ctx, "faq_agent", "u1", "conv-1"))
	assert.ErrorIs(t, c.CreateSession(ctx, "faq_agent", "u1", "conv-1"), ErrAlreadyExists)

	raw, err := c.RunTurn(ctx, TurnRequest{AgentID: "faq_agent", UserID: "u1", ConversationID: "conv-1", Instruction: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", turn.Normalize(raw).Text)

	require.NoError(t, c.DeleteSession(ctx, "faq_agent", "u1", "conv-1"))
	require.NoError(t, c.DeleteSession(ctx, "faq_agent", "u1", "conv-1"), "deleting a missing session is not an error")

	_, err = c.RunTurn(ctx, TurnRequest{AgentID: "faq_agent", UserID: "u1", ConversationID: "conv-1", Instruction: "again"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, AsTurnError("run", err), turn.ErrSessionLost)

	require.NoError(t, c.Health(ctx))

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.runs, 2)
	assert.Equal(t, "faq_agent", server.runs[0].AppName)
	assert.Equal(t, "user", server.runs[0].NewMessage.Role)
}

func TestADKClient_ToolResultsBecomeFunctionResponses(t *testing.T) {
	server, srv := newADKServer(t)
	c, err := NewADKClient(ADKConfig{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.CreateSession(ctx, "a", "u", "c"))

	_, err = c.RunTurn(ctx, TurnRequest{
		AgentID: "a", UserID: "u", ConversationID: "c",
		ToolResults: []ToolResult{
			{ID: "call-1", Name: "lookup", Output: "42"},
			{ID: "call-2", Name: "broken", Output: "boom", IsError: true},
		},
	})
	require.NoError(t, err)

	server.mu.Lock()
	defer server.mu.Unlock()
	parts := server.runs[0].NewMessage.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "call-1", parts[0].FunctionResponse.ID)
	assert.Equal(t, "42", parts[0].FunctionResponse.Response["result"])
	assert.Equal(t, "boom", parts[1].FunctionResponse.Response["error"])
}

func TestADKClient_TimeoutIsDistinctFromSessionLoss(t *testing.T) {
	server, srv := newADKServer(t)
	server.delay = 200 * time.Millisecond
	c, err := NewADKClient(ADKConfig{BaseURL: srv.URL, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.RunTurn(context.Background(), TurnRequest{AgentID: "a", UserID: "u", ConversationID: "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrSessionNotFound)

	mapped := AsTurnError("run", err)
	assert.ErrorIs(t, mapped, turn.ErrBackendTimeout)
	assert.False(t, turn.IsSessionLost(mapped))
}

func TestADKClient_Unavailable(t *testing.T) {
	c, err := NewADKClient(ADKConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)

	err = c.CreateSession(context.Background(), "a", "u", "c")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, AsTurnError("create", err), turn.ErrBackendUnavailable)
}

func TestADKClient_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewADKClient(ADKConfig{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.RunTurn(context.Background(), TurnRequest{AgentID: "a", UserID: "u", ConversationID: "c"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, strings.Contains(err.Error(), "502"))
}

func TestADKClient_CallerCancellation(t *testing.T) {
	server, srv := newADKServer(t)
	server.delay = 200 * time.Millisecond
	c, err := NewADKClient(ADKConfig{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = c.RunTurn(ctx, TurnRequest{AgentID: "a", UserID: "u", ConversationID: "c"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, AsTurnError("run", err), turn.ErrCanceled)
}

func TestToolResultsFrom(t *testing.T) {
	results := ToolResultsFrom([]turn.ToolInvocation{
		turn.OkInvocation("1", "a", nil, "fine"),
		turn.ErrInvocation("2", "b", nil, turn.KindToolCallError, "bad"),
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "bad", results[1].Output)
}
