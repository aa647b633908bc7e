package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the ID of one submitted turn
	TurnIDKey ContextKey = "turn_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "user_id"
	// ConversationIDKey is the context key for conversation ID
	ConversationIDKey ContextKey = "conversation_id"
	// StageKey is the context key for the pipeline stage being executed
	StageKey ContextKey = "stage"
	// RequestIDKey is the context key for request ID (for idempotency)
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID        string
	TurnID         string
	AgentID        string
	UserID         string
	ConversationID string
	Stage          string
	RequestID      string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return withValue(ctx, TurnIDKey, turnID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return withValue(ctx, AgentIDKey, agentID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, UserIDKey, userID)
}

// WithConversationID adds a conversation ID to the context
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return withValue(ctx, ConversationIDKey, conversationID)
}

// WithStage adds the current pipeline stage to the context
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, StageKey, stage)
}

// WithRequestID adds a request ID to the context for idempotency
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, RequestIDKey, requestID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getValue(ctx, TraceIDKey) }

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string { return getValue(ctx, TurnIDKey) }

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string { return getValue(ctx, AgentIDKey) }

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string { return getValue(ctx, UserIDKey) }

// GetConversationID retrieves the conversation ID from the context
func GetConversationID(ctx context.Context) string { return getValue(ctx, ConversationIDKey) }

// GetStage retrieves the pipeline stage from the context
func GetStage(ctx context.Context) string { return getValue(ctx, StageKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return getValue(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:        GetTraceID(ctx),
		TurnID:         GetTurnID(ctx),
		AgentID:        GetAgentID(ctx),
		UserID:         GetUserID(ctx),
		ConversationID: GetConversationID(ctx),
		Stage:          GetStage(ctx),
		RequestID:      GetRequestID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	pairs := []struct {
		key   ContextKey
		value string
	}{
		{TraceIDKey, tc.TraceID},
		{TurnIDKey, tc.TurnID},
		{AgentIDKey, tc.AgentID},
		{UserIDKey, tc.UserID},
		{ConversationIDKey, tc.ConversationID},
		{StageKey, tc.Stage},
		{RequestIDKey, tc.RequestID},
	}
	for _, p := range pairs {
		if p.value != "" {
			ctx = withValue(ctx, p.key, p.value)
		}
	}
	return ctx
}

// NewTurnContext tags ctx for one submitted turn, starting a trace if none is present
func NewTurnContext(ctx context.Context, agentID, userID, conversationID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTurnID(ctx, NewTurnID())
	ctx = WithAgentID(ctx, agentID)
	ctx = WithUserID(ctx, userID)
	if conversationID != "" {
		ctx = WithConversationID(ctx, conversationID)
	}
	return ctx
}
