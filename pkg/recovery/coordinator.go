package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/pipeline"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "agentgate.recovery"

// State is a step of the per-turn recovery state machine
type State string

const (
	StateAttempting  State = "attempting"
	StateSuccess     State = "success"
	StateSessionLost State = "session_lost"
	StateReissuing   State = "reissuing"
	StateRetrying    State = "retrying"
	StateFailed      State = "failed"
)

// Transition is reported to the Observer on every state change
type Transition struct {
	State          State
	AgentID        string
	ConversationID string
	ReplacedBy     string // set once a new identity exists
	Err            error
	At             time.Time
}

// Observer receives transitions. It must not block.
type Observer func(ctx context.Context, t Transition)

// Sessions resolves and replaces backend sessions. *session.Manager implements it.
type Sessions interface {
	Resolve(ctx context.Context, agentID, userID, conversationID string) (*session.Handle, error)
	Reissue(ctx context.Context, old *session.Handle) (*session.Handle, error)
}

// Pipelines looks up an agent's pipeline. *pipeline.Registry implements it.
type Pipelines interface {
	Get(agent string) (pipeline.Definition, error)
}

// Executor runs a pipeline against a handle. *pipeline.Composer implements it.
type Executor interface {
	Execute(ctx context.Context, h *session.Handle, def pipeline.Definition, message string) (*turn.Result, error)
}

// Request is one turn to run
type Request struct {
	AgentID        string
	UserID         string
	ConversationID string // empty mints a new conversation
	Message        string
}

// Config configures a Coordinator
type Config struct {
	Sessions  Sessions
	Pipelines Pipelines
	Executor  Executor
	Observer  Observer
}

// Coordinator runs a turn and, when the backend lost the session, replaces
// the session once and retries the same request.
type Coordinator struct {
	sessions  Sessions
	pipelines Pipelines
	executor  Executor
	observer  Observer
}

// New creates a Coordinator
func New(cfg Config) (*Coordinator, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil || cfg.Pipelines == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("sessions, pipelines and executor are required")
	}
	return &Coordinator{
		sessions:  cfg.Sessions,
		pipelines: cfg.Pipelines,
		executor:  cfg.Executor,
		observer:  cfg.Observer,
	}, nil
}

func (c *Coordinator) transition(ctx context.Context, t Transition) {
	t.At = time.Now()
	observability.RecordRecoveryTransition(string(t.State))

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	ev := logger.Debug()
	if t.State == StateSessionLost || t.State == StateFailed {
		ev = logger.Warn()
	}
	ev.Str("state", string(t.State)).
		Str("agent_id", t.AgentID).
		Str("conversation_id", t.ConversationID).
		Str("replaced_by", t.ReplacedBy).
		AnErr("error", t.Err).
		Msg("Recovery transition")

	if c.observer != nil {
		c.observer(ctx, t)
	}
}

// Run executes the request. A session loss is recovered at most once; a
// second loss fails with SessionRecoveryFailed.
func (c *Coordinator) Run(ctx context.Context, req Request) (result *turn.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "recovery.run",
		attribute.String("agent_id", req.AgentID),
		attribute.String("conversation_id", req.ConversationID),
	)
	defer span.End()
	defer func() {
		if err != nil {
			tracing.FailSpan(span, err)
		}
	}()

	def, err := c.pipelines.Get(req.AgentID)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownAgent) {
			return nil, turn.NewError(turn.KindInvalidIdentity, "recovery.run", err)
		}
		return nil, turn.NewError(turn.KindInternal, "recovery.run", err)
	}

	c.transition(ctx, Transition{State: StateAttempting, AgentID: req.AgentID, ConversationID: req.ConversationID})

	h, err := c.sessions.Resolve(ctx, req.AgentID, req.UserID, req.ConversationID)
	if err == nil {
		result, err = c.executor.Execute(ctx, h, def, req.Message)
	}
	if err == nil {
		if req.ConversationID != "" && h.ConversationID != req.ConversationID {
			// An earlier turn already replaced the requested identity.
			result.ConversationID = h.ConversationID
			result.Recovered = true
			c.transition(ctx, Transition{State: StateSuccess, AgentID: req.AgentID, ConversationID: req.ConversationID, ReplacedBy: h.ConversationID})
			return result, nil
		}
		c.transition(ctx, Transition{State: StateSuccess, AgentID: req.AgentID, ConversationID: h.ConversationID})
		return result, nil
	}
	if !turn.IsSessionLost(err) {
		return nil, err
	}

	lost := h
	if lost == nil {
		// The identity was retired before any handle could be resolved.
		id := req.ConversationID
		if te := turn.AsError(err); te.ConversationID != "" {
			id = te.ConversationID
		}
		lost = &session.Handle{ConversationID: id, AgentID: req.AgentID, UserID: req.UserID}
	}
	span.SetAttributes(attribute.Bool("recovery.triggered", true))
	c.transition(ctx, Transition{State: StateSessionLost, AgentID: req.AgentID, ConversationID: lost.ConversationID, Err: err})

	c.transition(ctx, Transition{State: StateReissuing, AgentID: req.AgentID, ConversationID: lost.ConversationID})
	fresh, reissueErr := c.sessions.Reissue(ctx, lost)
	if reissueErr != nil {
		c.transition(ctx, Transition{State: StateFailed, AgentID: req.AgentID, ConversationID: lost.ConversationID, Err: reissueErr})
		return nil, turn.NewError(turn.KindSessionRecoveryFailed, "recovery.reissue", reissueErr).
			WithConversation(lost.ConversationID)
	}

	c.transition(ctx, Transition{State: StateRetrying, AgentID: req.AgentID, ConversationID: lost.ConversationID, ReplacedBy: fresh.ConversationID})
	result, err = c.executor.Execute(tracing.WithConversationID(ctx, fresh.ConversationID), fresh, def, req.Message)
	if err != nil {
		c.transition(ctx, Transition{State: StateFailed, AgentID: req.AgentID, ConversationID: lost.ConversationID, ReplacedBy: fresh.ConversationID, Err: err})
		if turn.IsSessionLost(err) {
			return nil, turn.NewError(turn.KindSessionRecoveryFailed, "recovery.retry", err).
				WithConversation(fresh.ConversationID)
		}
		te := turn.AsError(err)
		te.ConversationID = fresh.ConversationID
		return nil, te
	}

	result.ConversationID = fresh.ConversationID
	result.Recovered = true
	c.transition(ctx, Transition{State: StateSuccess, AgentID: req.AgentID, ConversationID: lost.ConversationID, ReplacedBy: fresh.ConversationID})
	return result, nil
}
