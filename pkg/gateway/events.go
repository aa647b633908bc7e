package gateway

import (
	"context"
	"sync"

	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/recovery"
)

// Turn lifecycle events
const (
	EventTurnStarted   = "turn.started"
	EventTurnRecovered = "turn.recovered"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
)

// TurnEvents distributes turn lifecycle events to subscribers. The server
// subscribes its broadcaster; tests subscribe a recorder.
type TurnEvents struct {
	mu   sync.RWMutex
	subs []func(EventMessage)
}

func NewTurnEvents() *TurnEvents {
	return &TurnEvents{}
}

// Subscribe registers fn for every later event. fn must not block.
func (e *TurnEvents) Subscribe(fn func(EventMessage)) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// Publish sends a turn event tagged with the trace carried by ctx
func (e *TurnEvents) Publish(ctx context.Context, event, conversationID string, data map[string]interface{}) {
	if e == nil {
		return
	}

	msg := EventMessage{
		Event:          event,
		Stream:         StreamTypeTurn,
		Data:           data,
		TraceID:        tracing.GetTraceID(ctx),
		RequestID:      tracing.GetRequestID(ctx),
		ConversationID: conversationID,
		AgentID:        tracing.GetAgentID(ctx),
	}

	e.mu.RLock()
	subs := append([]func(EventMessage){}, e.subs...)
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// ObserveRecovery is a recovery.Observer that announces a replaced session
func (e *TurnEvents) ObserveRecovery(ctx context.Context, t recovery.Transition) {
	if t.State != recovery.StateSuccess || t.ReplacedBy == "" {
		return
	}
	e.Publish(ctx, EventTurnRecovered, t.ReplacedBy, map[string]interface{}{
		"previous_conversation_id": t.ConversationID,
		"conversation_id":          t.ReplacedBy,
	})
}
