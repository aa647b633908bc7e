package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultCallTimeout bounds one backend call
	DefaultCallTimeout = 120 * time.Second

	// MinCallTimeout is the smallest accepted call timeout
	MinCallTimeout = 10 * time.Second

	maxResponseBytes = 16 << 20
)

// ADKConfig configures an ADKClient
type ADKConfig struct {
	BaseURL         string
	Timeout         time.Duration
	ConcurrentTurns bool
	HTTPClient      *http.Client
}

// ADKClient talks to an ADK-style agent server:
//
//	POST   {base}/apps/{app}/users/{user}/sessions/{session}
//	DELETE {base}/apps/{app}/users/{user}/sessions/{session}
//	POST   {base}/run
//	GET    {base}/list-apps
type ADKClient struct {
	baseURL string
	timeout time.Duration
	caps    Capabilities
	client  *http.Client
}

// NewADKClient creates a client for the server at cfg.BaseURL
func NewADKClient(cfg ADKConfig) (*ADKClient, error) {
	observability.EnsureRegistered()

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &ADKClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		caps:    Capabilities{ConcurrentTurns: cfg.ConcurrentTurns},
		client:  client,
	}, nil
}

// Capabilities returns the configured capabilities
func (c *ADKClient) Capabilities() Capabilities {
	return c.caps
}

func (c *ADKClient) sessionURL(agentID, userID, conversationID string) string {
	return fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s",
		c.baseURL,
		url.PathEscape(agentID),
		url.PathEscape(userID),
		url.PathEscape(conversationID))
}

// CreateSession creates the backend session bound to conversationID
func (c *ADKClient) CreateSession(ctx context.Context, agentID, userID, conversationID string) error {
	status, body, err := c.do(ctx, "create_session", http.MethodPost, c.sessionURL(agentID, userID, conversationID), []byte("{}"))
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return nil
	case status == http.StatusConflict || (status >= 400 && containsFold(body, "already exists")):
		return ErrAlreadyExists
	default:
		return statusError("create session", status, body)
	}
}

// DeleteSession deletes the backend session. A missing session is not an error.
func (c *ADKClient) DeleteSession(ctx context.Context, agentID, userID, conversationID string) error {
	status, body, err := c.do(ctx, "delete_session", http.MethodDelete, c.sessionURL(agentID, userID, conversationID), nil)
	if err != nil {
		return err
	}

	if status < 300 || status == http.StatusNotFound || containsFold(body, "session not found") {
		return nil
	}
	return statusError("delete session", status, body)
}

type adkPart struct {
	Text             string               `json:"text,omitempty"`
	FunctionResponse *adkFunctionResponse `json:"functionResponse,omitempty"`
}

type adkFunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type adkContent struct {
	Role  string    `json:"role"`
	Parts []adkPart `json:"parts"`
}

type adkRunRequest struct {
	AppName    string     `json:"appName"`
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	NewMessage adkContent `json:"newMessage"`
	Streaming  bool       `json:"streaming"`
}

func newMessage(req TurnRequest) adkContent {
	parts := make([]adkPart, 0, len(req.ToolResults)+1)
	for _, tr := range req.ToolResults {
		response := map[string]interface{}{"result": tr.Output}
		if tr.IsError {
			response = map[string]interface{}{"error": tr.Output}
		}
		parts = append(parts, adkPart{FunctionResponse: &adkFunctionResponse{
			ID:       tr.ID,
			Name:     tr.Name,
			Response: response,
		}})
	}
	if req.Instruction != "" || len(parts) == 0 {
		parts = append(parts, adkPart{Text: req.Instruction})
	}
	return adkContent{Role: "user", Parts: parts}
}

// RunTurn posts one message to /run and returns the raw event array
func (c *ADKClient) RunTurn(ctx context.Context, req TurnRequest) ([]byte, error) {
	payload, err := json.Marshal(adkRunRequest{
		AppName:    req.AgentID,
		UserID:     req.UserID,
		SessionID:  req.ConversationID,
		NewMessage: newMessage(req),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run request: %w", err)
	}

	status, body, err := c.do(ctx, "run", http.MethodPost, c.baseURL+"/run", payload)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound || (status >= 400 && containsFold(body, "session not found")):
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.ConversationID)
	case status >= 300:
		return nil, statusError("run", status, body)
	}
	return body, nil
}

// Health checks that the server answers /list-apps
func (c *ADKClient) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, "health", http.MethodGet, c.baseURL+"/list-apps", nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError("health", status, body)
	}
	return nil
}

// do performs one HTTP exchange under the call timeout. Transport failures
// are mapped to ErrTimeout or ErrUnavailable; HTTP statuses are left to the caller.
func (c *ADKClient) do(ctx context.Context, op, method, target string, body []byte) (int, []byte, error) {
	ctx, span := tracing.StartSpan(ctx, "agentgate.backend", "backend."+op,
		attribute.String("http.method", method),
		attribute.String("conversation_id", tracing.GetConversationID(ctx)),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := tracing.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		err = transportError(ctx, callCtx, err)
		observability.RecordBackendCall(op, errorStatus(err), time.Since(start))
		tracing.FailSpan(span, err)
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		err = transportError(ctx, callCtx, err)
		observability.RecordBackendCall(op, errorStatus(err), time.Since(start))
		tracing.FailSpan(span, err)
		return 0, nil, err
	}

	observability.RecordBackendCall(op, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Backend call completed")

	return resp.StatusCode, data, nil
}

func transportError(parent, call context.Context, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return parent.Err()
	case call.Err() != nil:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func errorStatus(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if status >= 500 {
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, op, status, msg)
	}
	return fmt.Errorf("%s returned %d: %s", op, status, msg)
}

func containsFold(body []byte, needle string) bool {
	return bytes.Contains(bytes.ToLower(body), []byte(needle))
}
