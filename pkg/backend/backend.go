package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/agentgate/pkg/turn"
)

var (
	// ErrSessionNotFound is returned when the backend no longer holds the session
	ErrSessionNotFound = errors.New("backend: session not found")

	// ErrAlreadyExists is returned by CreateSession when the session exists
	ErrAlreadyExists = errors.New("backend: session already exists")

	// ErrTimeout is returned when a call exceeds its deadline
	ErrTimeout = errors.New("backend: call timed out")

	// ErrUnavailable is returned when the backend cannot be reached or fails server-side
	ErrUnavailable = errors.New("backend: unavailable")
)

// ToolResult answers one tool call the backend requested in an earlier turn
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolResultsFrom converts recorded invocations into results for a follow-up turn
func ToolResultsFrom(invocations []turn.ToolInvocation) []ToolResult {
	results := make([]ToolResult, 0, len(invocations))
	for _, inv := range invocations {
		results = append(results, ToolResult{
			ID:      inv.ID,
			Name:    inv.Name,
			Output:  inv.Payload,
			IsError: !inv.Ok(),
		})
	}
	return results
}

// TurnRequest is one turn sent to a backend session. A follow-up turn in a
// tool loop carries ToolResults and an empty Instruction.
type TurnRequest struct {
	AgentID        string       `json:"agent_id"`
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id"`
	Instruction    string       `json:"instruction,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	Tools          []string     `json:"tools,omitempty"`
}

// Capabilities describes what a backend supports
type Capabilities struct {
	// ConcurrentTurns is true when one session may run several turns at once
	ConcurrentTurns bool `json:"concurrent_turns"`
}

// Backend is the agent execution service the gateway drives
type Backend interface {
	// CreateSession creates the session. ErrAlreadyExists means it is already there.
	CreateSession(ctx context.Context, agentID, userID, conversationID string) error

	// RunTurn runs one turn and returns the raw event payload
	RunTurn(ctx context.Context, req TurnRequest) ([]byte, error)

	// DeleteSession removes the session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, agentID, userID, conversationID string) error

	Capabilities() Capabilities
}

// HealthChecker is implemented by backends that can report their own health
type HealthChecker interface {
	Health(ctx context.Context) error
}

// AsTurnError maps a backend error to the gateway's error taxonomy
func AsTurnError(op string, err error) error {
	if err == nil {
		return nil
	}

	var typed *turn.Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, ErrSessionNotFound):
		return turn.NewError(turn.KindSessionLost, op, err)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return turn.NewError(turn.KindBackendTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return turn.NewError(turn.KindCanceled, op, err)
	case errors.Is(err, ErrUnavailable):
		return turn.NewError(turn.KindBackendUnavailable, op, err)
	default:
		return turn.NewError(turn.KindInternal, op, fmt.Errorf("backend: %w", err))
	}
}
