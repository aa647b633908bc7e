package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/commandqueue"
	"github.com/harun/agentgate/pkg/recovery"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/transcript"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "agentgate.gateway"

	// DefaultTurnTimeout bounds a whole turn including recovery
	DefaultTurnTimeout = 10 * time.Minute

	laneWarnAfter = 30 * time.Second
)

// Runner runs one turn. *recovery.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, req recovery.Request) (*turn.Result, error)
}

// Submission is one caller message addressed to an agent
type Submission struct {
	AgentID        string `json:"agent_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	RequestID      string `json:"request_id,omitempty"`
}

// Response carries exactly one of Result and Error
type Response struct {
	Result *turn.Result `json:"result,omitempty"`
	Error  *turn.Error  `json:"error,omitempty"`
}

// FrontConfig configures a Front
type FrontConfig struct {
	Runner      Runner
	Queue       *commandqueue.CommandQueue
	Transcripts *transcript.Store // optional
	Events      *TurnEvents       // created when nil
	TurnTimeout time.Duration
}

// Front is the in-process entry point for turns. Turns of one conversation
// run one at a time in submission order; different conversations run in
// parallel.
type Front struct {
	runner      Runner
	queue       *commandqueue.CommandQueue
	transcripts *transcript.Store
	events      *TurnEvents
	turnTimeout time.Duration
}

func NewFront(cfg FrontConfig) (*Front, error) {
	observability.EnsureRegistered()

	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Events == nil {
		cfg.Events = NewTurnEvents()
	}
	return &Front{
		runner:      cfg.Runner,
		queue:       cfg.Queue,
		transcripts: cfg.Transcripts,
		events:      cfg.Events,
		turnTimeout: cfg.TurnTimeout,
	}, nil
}

// Events returns the hub turn events are published on
func (f *Front) Events() *TurnEvents {
	return f.events
}

// SubmitTurn runs one turn and reports its outcome. It does not panic: any
// failure, including a panic below it, comes back as Response.Error.
func (f *Front) SubmitTurn(ctx context.Context, sub Submission) (resp Response) {
	start := time.Now()
	requestID := sub.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx = tracing.NewTurnContext(ctx, sub.AgentID, sub.UserID, sub.ConversationID)
	ctx = tracing.WithRequestID(ctx, requestID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.submit_turn",
		attribute.String("agent_id", sub.AgentID),
		attribute.String("user_id", sub.UserID),
		attribute.String("request_id", requestID),
	)
	defer span.End()

	conversationID := sub.ConversationID
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("request_id", requestID).Msg("Turn panicked")
			resp = Response{Error: turn.NewError(turn.KindInternal, "gateway.submit",
				fmt.Errorf("turn panicked: %v", r)).WithConversation(conversationID)}
		}
		f.finish(ctx, sub, resp, time.Since(start))
		if resp.Error != nil {
			tracing.FailSpan(span, resp.Error)
		}
	}()

	if conversationID == "" {
		minted, err := session.NewConversationID(sub.AgentID, sub.UserID)
		if err != nil {
			return Response{Error: turn.NewError(turn.KindInternal, "gateway.submit", err)}
		}
		conversationID = minted
	}
	ctx = tracing.WithConversationID(ctx, conversationID)
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	ctx, cancel := context.WithTimeout(ctx, f.turnTimeout)
	defer cancel()

	f.events.Publish(ctx, EventTurnStarted, conversationID, map[string]interface{}{
		"user_id": sub.UserID,
		"minted":  sub.ConversationID == "",
	})

	req := recovery.Request{
		AgentID:        sub.AgentID,
		UserID:         sub.UserID,
		ConversationID: conversationID,
		Message:        sub.Message,
	}
	value, err := f.queue.Enqueue(ctx, conversationID, func(ctx context.Context) (interface{}, error) {
		result, err := f.runner.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		f.record(ctx, sub, requestID, result)
		return result, nil
	}, &commandqueue.TaskOptions{WarnAfter: laneWarnAfter})

	if err != nil {
		te := turn.AsError(err)
		if te.ConversationID == "" {
			te.ConversationID = conversationID
		}
		return Response{Error: te}
	}

	result, ok := value.(*turn.Result)
	if !ok || result == nil {
		return Response{Error: turn.NewError(turn.KindInternal, "gateway.submit",
			fmt.Errorf("turn produced no result")).WithConversation(conversationID)}
	}
	return Response{Result: result}
}

// record appends the finished turn to its transcript. It runs inside the lane
// so transcript order matches turn order.
func (f *Front) record(ctx context.Context, sub Submission, requestID string, result *turn.Result) {
	if f.transcripts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(tracing.Detach(ctx), 5*time.Second)
	defer cancel()

	meta := map[string]interface{}{
		"agent_id":   sub.AgentID,
		"user_id":    sub.UserID,
		"request_id": requestID,
	}
	if err := f.transcripts.AppendTurn(ctx, sub.Message, result, meta); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().
			Err(err).
			Str("conversation_id", result.ConversationID).
			Msg("Failed to write transcript")
	}
}

func (f *Front) finish(ctx context.Context, sub Submission, resp Response, elapsed time.Duration) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if resp.Error != nil {
		outcome := string(resp.Error.Kind)
		observability.RecordTurn(sub.AgentID, outcome, elapsed)
		logger.Warn().
			Str("kind", outcome).
			Str("conversation_id", resp.Error.ConversationID).
			Bool("retryable", resp.Error.Retryable).
			Dur("duration", elapsed).
			Err(resp.Error).
			Msg("Turn failed")
		f.events.Publish(ctx, EventTurnFailed, resp.Error.ConversationID, map[string]interface{}{
			"kind":      resp.Error.Kind,
			"message":   resp.Error.Message,
			"retryable": resp.Error.Retryable,
		})
		return
	}

	outcome := "ok"
	if resp.Result.Recovered {
		outcome = "recovered"
	}
	observability.RecordTurn(sub.AgentID, outcome, elapsed)
	logger.Info().
		Str("conversation_id", resp.Result.ConversationID).
		Bool("recovered", resp.Result.Recovered).
		Int("tool_calls", len(resp.Result.ToolCalls)).
		Dur("duration", elapsed).
		Msg("Turn completed")
	f.events.Publish(ctx, EventTurnCompleted, resp.Result.ConversationID, map[string]interface{}{
		"recovered":  resp.Result.Recovered,
		"tool_calls": len(resp.Result.ToolCalls),
		"stages":     len(resp.Result.Stages),
	})
}
