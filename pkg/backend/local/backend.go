package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/pkg/backend"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxTokens     = 4096
	DefaultMaxHistory    = 200
	DefaultSweepSchedule = "@every 1m"
)

// ToolCatalog describes registered tools to the model
type ToolCatalog interface {
	Specs(names []string) []ToolSpec
}

// CatalogFunc adapts a function to ToolCatalog
type CatalogFunc func(names []string) []ToolSpec

// Specs implements ToolCatalog
func (f CatalogFunc) Specs(names []string) []ToolSpec {
	return f(names)
}

// Config configures the local backend
type Config struct {
	Provider     Provider
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	Catalog      ToolCatalog

	// SessionTTL evicts sessions idle for longer. Zero disables eviction.
	SessionTTL    time.Duration
	SweepSchedule string
	MaxHistory    int
}

type localSession struct {
	mu       sync.Mutex // one turn at a time
	history  []Message
	lastUsed time.Time
}

// Backend runs conversations in process against an LLM provider and answers
// with the same ADK event JSON a remote server produces.
type Backend struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*localSession
	cron     *cron.Cron
}

// New creates a local backend
func New(cfg Config) (*Backend, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel(cfg.Provider.Name())
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}

	return &Backend{
		cfg:      cfg,
		sessions: make(map[string]*localSession),
	}, nil
}

// Start schedules idle session eviction
func (b *Backend) Start() error {
	if b.cfg.SessionTTL <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cron != nil {
		return fmt.Errorf("local backend already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(b.cfg.SweepSchedule, func() { b.Evict(time.Now()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", b.cfg.SweepSchedule, err)
	}
	c.Start()
	b.cron = c

	log.Info().
		Str("provider", b.cfg.Provider.Name()).
		Dur("session_ttl", b.cfg.SessionTTL).
		Str("schedule", b.cfg.SweepSchedule).
		Msg("Local backend eviction started")
	return nil
}

// Stop stops the eviction schedule
func (b *Backend) Stop() {
	b.mu.Lock()
	c := b.cron
	b.cron = nil
	b.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Evict drops sessions idle since before now minus the TTL and returns how many
func (b *Backend) Evict(now time.Time) int {
	if b.cfg.SessionTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-b.cfg.SessionTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for k, s := range b.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(b.sessions, k)
			evicted++
		}
	}
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("remaining", len(b.sessions)).Msg("Evicted idle local sessions")
	}
	return evicted
}

// SessionCount returns the number of live sessions
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func sessionKey(agentID, userID, conversationID string) string {
	return agentID + "/" + userID + "/" + conversationID
}

// Capabilities implements backend.Backend
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{ConcurrentTurns: false}
}

// CreateSession implements backend.Backend
func (b *Backend) CreateSession(ctx context.Context, agentID, userID, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := sessionKey(agentID, userID, conversationID)
	if _, ok := b.sessions[k]; ok {
		return backend.ErrAlreadyExists
	}
	b.sessions[k] = &localSession{lastUsed: time.Now()}
	return nil
}

// DeleteSession implements backend.Backend
func (b *Backend) DeleteSession(ctx context.Context, agentID, userID, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, sessionKey(agentID, userID, conversationID))
	return nil
}

// RunTurn implements backend.Backend
func (b *Backend) RunTurn(ctx context.Context, req backend.TurnRequest) ([]byte, error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionKey(req.AgentID, req.UserID, req.ConversationID)]
	if ok {
		s.lastUsed = time.Now()
	}
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrSessionNotFound, req.ConversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mark := len(s.history)
	for _, tr := range req.ToolResults {
		s.history = append(s.history, Message{
			Role:       "tool",
			Content:    tr.Output,
			ToolCallID: tr.ID,
			ToolName:   tr.Name,
			IsError:    tr.IsError,
		})
	}
	if req.Instruction != "" {
		s.history = append(s.history, Message{Role: "user", Content: req.Instruction})
	}

	var tools []ToolSpec
	if b.cfg.Catalog != nil && len(req.Tools) > 0 {
		tools = b.cfg.Catalog.Specs(req.Tools)
	}

	start := time.Now()
	resp, err := b.cfg.Provider.Call(ctx, Request{
		Model:        b.cfg.Model,
		Messages:     append([]Message(nil), s.history...),
		Tools:        tools,
		Temperature:  b.cfg.Temperature,
		MaxTokens:    b.cfg.MaxTokens,
		SystemPrompt: b.cfg.SystemPrompt,
	})
	if err != nil {
		s.history = s.history[:mark]
		err = providerError(ctx, err)
		observability.RecordBackendCall("local_run", "error", time.Since(start))
		return nil, err
	}
	observability.RecordBackendCall("local_run", "ok", time.Since(start))

	s.history = append(s.history, Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
	if over := len(s.history) - b.cfg.MaxHistory; over > 0 {
		// A tool result must not lead the history without its call.
		for over < len(s.history) && s.history[over].Role == "tool" {
			over++
		}
		s.history = append([]Message(nil), s.history[over:]...)
	}

	log.Debug().
		Str("provider", b.cfg.Provider.Name()).
		Str("conversation_id", req.ConversationID).
		Int("tool_calls", len(resp.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("Local turn completed")

	return encodeEvents(req.AgentID, resp)
}

func providerError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", backend.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
}

// encodeEvents renders a provider response as one ADK model event
func encodeEvents(author string, resp *Response) ([]byte, error) {
	parts := make([]map[string]interface{}, 0, len(resp.ToolCalls)+1)
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		parts = append(parts, map[string]interface{}{"text": resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		parts = append(parts, map[string]interface{}{
			"functionCall": map[string]interface{}{"id": tc.ID, "name": tc.Name, "args": args},
		})
	}

	event := map[string]interface{}{
		"author":  author,
		"content": map[string]interface{}{"role": "model", "parts": parts},
	}
	if resp.Usage != nil {
		event["usageMetadata"] = map[string]int{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
		}
	}
	return json.Marshal([]interface{}{event})
}
