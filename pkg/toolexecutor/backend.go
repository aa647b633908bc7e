package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend is an external tool provider. Invoke returns the tool's result
// text, or an error whose text is recorded as the invocation's failure.
type Backend interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// RegisterBackend registers every tool the backend advertises. Names that
// collide with an existing tool are prefixed with the backend name.
func (te *ToolExecutor) RegisterBackend(ctx context.Context, b Backend) ([]string, error) {
	if b == nil {
		return nil, fmt.Errorf("tool backend is required")
	}

	defs, err := b.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", b.Name(), err)
	}

	registered := make([]string, 0, len(defs))
	for _, def := range defs {
		remoteName := def.Name
		if remoteName == "" {
			continue
		}
		if te.GetTool(def.Name) != nil {
			def.Name = b.Name() + "_" + remoteName
		}
		if def.Description == "" {
			def.Description = remoteName
		}
		def.Source = b.Name()
		def.Handler = func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return b.Invoke(ctx, remoteName, params)
		}

		if err := te.RegisterTool(def); err != nil {
			return registered, fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
		registered = append(registered, def.Name)
	}

	log.Info().
		Str("backend", b.Name()).
		Strs("tools", registered).
		Msg("Tool backend registered")

	return registered, nil
}

// HTTPBackend reaches a tool service over HTTP.
//
//	GET  {base}/tools   -> [{"name","description","parameters":[...]}]
//	POST {base}/invoke  {"name","arguments"} -> {"result": "..."} | {"error": "..."}
type HTTPBackend struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPBackend creates an HTTP tool backend
func NewHTTPBackend(name, baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if name == "" {
		name = "http"
	}
	return &HTTPBackend{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPBackend) Name() string {
	return h.name
}

func (h *HTTPBackend) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: unexpected status %d", resp.StatusCode)
	}

	var defs []ToolDefinition
	if err := json.NewDecoder(resp.Body).Decode(&defs); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return defs, nil
}

type invokeRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (h *HTTPBackend) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	body, err := json.Marshal(invokeRequest{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	var out invokeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("tool %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return "", fmt.Errorf("tool %s: malformed response: %w", name, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("tool %s: status %d", name, resp.StatusCode)
	}

	var text string
	if err := json.Unmarshal(out.Result, &text); err == nil {
		return text, nil
	}
	return string(out.Result), nil
}
