package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/backend"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/toolexecutor"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "agentgate.pipeline"

	// DefaultMaxToolRounds bounds the tool loop of one step
	DefaultMaxToolRounds = 10

	subSessionCleanupTimeout = 10 * time.Second
)

// Isolation selects how parallel steps reach the backend
type Isolation string

const (
	// IsolationAuto shares the conversation's session when the backend reports
	// ConcurrentTurns and isolates otherwise
	IsolationAuto Isolation = "auto"
	// IsolationShared always runs parallel steps on the conversation's session
	IsolationShared Isolation = "shared"
	// IsolationIsolated runs each parallel step on its own short-lived sub-session
	IsolationIsolated Isolation = "isolated"
)

// ParseIsolation validates an isolation mode. Empty means auto.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(s) {
	case "", IsolationAuto:
		return IsolationAuto, nil
	case IsolationShared, IsolationIsolated:
		return Isolation(s), nil
	}
	return "", fmt.Errorf("invalid parallel isolation %q (expected auto, shared or isolated)", s)
}

// ToolInvoker dispatches tool calls. *toolexecutor.ToolExecutor implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, call turn.ToolCall, execCtx *toolexecutor.ExecutionContext) turn.ToolInvocation
}

// Config configures a Composer
type Config struct {
	Backend       backend.Backend
	Tools         ToolInvoker // nil disables tool dispatch
	MaxToolRounds int
	Isolation     Isolation
	ToolTimeout   time.Duration
	GateTimeout   time.Duration
}

// Composer executes pipeline definitions against a backend session
type Composer struct {
	backend   backend.Backend
	tools     ToolInvoker
	maxRounds int
	isolation Isolation
	toolTO    time.Duration
	gateTO    time.Duration
}

// NewComposer creates a Composer
func NewComposer(cfg Config) (*Composer, error) {
	observability.EnsureRegistered()

	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	isolation, err := ParseIsolation(string(cfg.Isolation))
	if err != nil {
		return nil, err
	}

	return &Composer{
		backend:   cfg.Backend,
		tools:     cfg.Tools,
		maxRounds: cfg.MaxToolRounds,
		isolation: isolation,
		toolTO:    cfg.ToolTimeout,
		gateTO:    cfg.GateTimeout,
	}, nil
}

// stepOutput is what one step contributes to the turn result
type stepOutput struct {
	text        string
	calls       []turn.ToolInvocation
	diagnostics []string
}

func (o stepOutput) absorbInto(r *turn.Result, stage string) {
	r.Absorb(stage, turn.Fragment{ToolCalls: o.calls, Diagnostics: o.diagnostics})
}

// Execute runs every stage of def for one turn. On failure the returned
// error carries the failing stage and the partial result.
func (c *Composer) Execute(ctx context.Context, h *session.Handle, def Definition, message string) (result *turn.Result, err error) {
	if h == nil {
		return nil, turn.NewError(turn.KindInternal, "pipeline.execute", fmt.Errorf("session handle is required"))
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "pipeline.execute",
		attribute.String("agent_id", def.Agent),
		attribute.String("conversation_id", h.ConversationID),
		attribute.Int("stages", len(def.Stages)),
	)
	defer span.End()
	defer func() {
		if err != nil {
			tracing.FailSpan(span, err)
		}
	}()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("agent_id", def.Agent).
		Str("conversation_id", h.ConversationID).
		Logger()

	slots := NewSlotStore(message)
	result = turn.NewResult(h.ConversationID)

	for _, st := range def.Stages {
		stageStart := time.Now()

		switch s := st.(type) {
		case Sequential:
			out, err := c.runStep(ctx, h, h.ConversationID, s.Step, slots.Snapshot())
			out.absorbInto(result, s.Step.ID)
			observability.RecordStage("sequential", time.Since(stageStart), err == nil)
			if err != nil {
				return nil, stageFailure(s.Step.ID, err, result)
			}

			if s.Step.OutputSlot != "" {
				if err := slots.Set(s.Step.OutputSlot, out.text); err != nil {
					return nil, stageFailure(s.Step.ID, turn.NewError(turn.KindInternal, "pipeline.slot", err), result)
				}
			}
			result.Stages = append(result.Stages, turn.StageOutput{Stage: s.Step.ID, Slot: s.Step.OutputSlot, Text: out.text})
			result.Text = out.text

		case ParallelGroup:
			text, failedStep, err := c.runGroup(ctx, h, s, slots, result)
			observability.RecordStage("parallel", time.Since(stageStart), err == nil)
			if err != nil {
				return nil, stageFailure(failedStep, err, result)
			}
			result.Text = text

		default:
			return nil, turn.NewError(turn.KindInternal, "pipeline.execute",
				fmt.Errorf("unsupported stage type %T", st)).WithConversation(h.ConversationID)
		}

		logger.Debug().
			Str("stage", st.Label()).
			Dur("duration", time.Since(stageStart)).
			Msg("Stage completed")
	}

	return result, nil
}

// stageFailure wraps a step error. Session loss and cancellation keep their
// kind so recovery and the caller see them; everything else becomes
// PipelineStageFailed with the cause still reachable through errors.Is.
func stageFailure(stepID string, err error, partial *turn.Result) error {
	kind := turn.KindOf(err)
	switch kind {
	case turn.KindSessionLost, turn.KindCanceled:
		return turn.NewError(kind, "pipeline.execute", err).
			WithStage(stepID).
			WithConversation(partial.ConversationID)
	}

	te := turn.NewError(turn.KindPipelineStageFailed, "pipeline.execute", err).
		WithStage(stepID).
		WithConversation(partial.ConversationID).
		WithPartial(partial.Clone())
	te.Retryable = kind.Retryable()
	return te
}

func (c *Composer) isolated() bool {
	switch c.isolation {
	case IsolationShared:
		return false
	case IsolationIsolated:
		return true
	default:
		return !c.backend.Capabilities().ConcurrentTurns
	}
}

// runGroup runs the steps of a parallel group and commits their slots only
// after all of them succeeded. Outputs are merged in declaration order.
func (c *Composer) runGroup(ctx context.Context, h *session.Handle, g ParallelGroup, slots *SlotStore, result *turn.Result) (string, string, error) {
	snapshot := slots.Snapshot()
	isolated := c.isolated()

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outputs := make([]stepOutput, len(g.Steps))
	errs := make([]error, len(g.Steps))
	failed := -1
	var failedMu sync.Mutex
	var wg sync.WaitGroup

	for i, step := range g.Steps {
		wg.Add(1)
		go func(index int, step Step) {
			defer wg.Done()

			out, err := c.runParallelStep(groupCtx, h, step, snapshot, isolated)
			outputs[index] = out
			errs[index] = err

			if err != nil {
				failedMu.Lock()
				if failed < 0 {
					failed = index
				}
				failedMu.Unlock()
				// The first failure cancels its siblings.
				cancel()
			}
		}(i, step)
	}
	wg.Wait()

	for i, step := range g.Steps {
		outputs[i].absorbInto(result, step.ID)
	}

	if failed >= 0 {
		for i, step := range g.Steps {
			if errs[i] == nil {
				result.Stages = append(result.Stages, turn.StageOutput{Stage: step.ID, Slot: step.OutputSlot, Text: outputs[i].text})
			}
		}
		return "", g.Steps[failed].ID, errs[failed]
	}

	texts := make([]string, 0, len(g.Steps))
	for i, step := range g.Steps {
		if step.OutputSlot != "" {
			if err := slots.Set(step.OutputSlot, outputs[i].text); err != nil {
				return "", step.ID, turn.NewError(turn.KindInternal, "pipeline.slot", err)
			}
		}
		result.Stages = append(result.Stages, turn.StageOutput{Stage: step.ID, Slot: step.OutputSlot, Text: outputs[i].text})
		texts = append(texts, outputs[i].text)
	}
	return strings.Join(texts, "\n\n"), "", nil
}

func (c *Composer) runParallelStep(ctx context.Context, h *session.Handle, step Step, snapshot map[string]string, isolated bool) (stepOutput, error) {
	if !isolated {
		return c.runStep(ctx, h, h.ConversationID, step, snapshot)
	}

	sub, err := session.SubSessionID(h.ConversationID, step.ID)
	if err != nil {
		return stepOutput{}, turn.NewError(turn.KindInternal, "pipeline.subsession", err)
	}
	if err := c.backend.CreateSession(ctx, h.AgentID, h.UserID, sub); err != nil {
		return stepOutput{}, backend.AsTurnError("pipeline.subsession", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(tracing.Detach(ctx), subSessionCleanupTimeout)
		defer cancel()
		if err := c.backend.DeleteSession(cleanupCtx, h.AgentID, h.UserID, sub); err != nil {
			log.Warn().Str("sub_session", sub).Err(err).Msg("Failed to delete sub-session")
		}
	}()

	return c.runStep(ctx, h, sub, step, snapshot)
}

// runStep sends one step to the backend and drives its tool loop
func (c *Composer) runStep(ctx context.Context, h *session.Handle, sessionID string, step Step, slots map[string]string) (out stepOutput, err error) {
	ctx = tracing.PropagateToStage(ctx, step.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "pipeline.step",
		attribute.String("stage", step.ID),
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	defer func() {
		if err != nil {
			tracing.FailSpan(span, err)
		}
	}()

	tmpl, err := ParseTemplate(step.template())
	if err != nil {
		return out, turn.NewError(turn.KindInternal, "pipeline.render", err)
	}
	instruction, err := tmpl.Render(slots)
	if err != nil {
		return out, turn.NewError(turn.KindInternal, "pipeline.render", err)
	}

	req := backend.TurnRequest{
		AgentID:        h.AgentID,
		UserID:         h.UserID,
		ConversationID: sessionID,
		Instruction:    instruction,
		Tools:          step.Tools,
	}

	raw, err := c.backend.RunTurn(ctx, req)
	if err != nil {
		return out, backend.AsTurnError("backend.run", err)
	}
	frag := turn.Normalize(raw)
	out.calls = append(out.calls, frag.ToolCalls...)
	out.diagnostics = append(out.diagnostics, frag.Diagnostics...)
	out.text = frag.Text

	for round := 1; len(frag.Pending) > 0; round++ {
		if round > c.maxRounds {
			return out, turn.NewError(turn.KindPipelineStageFailed, "pipeline.tools",
				fmt.Errorf("step %s still requested tools after %d rounds", step.ID, c.maxRounds))
		}

		invocations := c.dispatch(ctx, h, step, frag.Pending)
		out.calls = append(out.calls, invocations...)
		if err := ctx.Err(); err != nil {
			return out, turn.NewError(turn.KindCanceled, "pipeline.tools", err)
		}

		raw, err = c.backend.RunTurn(ctx, backend.TurnRequest{
			AgentID:        h.AgentID,
			UserID:         h.UserID,
			ConversationID: sessionID,
			ToolResults:    backend.ToolResultsFrom(invocations),
			Tools:          step.Tools,
		})
		if err != nil {
			return out, backend.AsTurnError("backend.run", err)
		}
		frag = turn.Normalize(raw)
		out.calls = append(out.calls, frag.ToolCalls...)
		out.diagnostics = append(out.diagnostics, frag.Diagnostics...)
		if frag.Text != "" {
			out.text = frag.Text
		}
	}

	return out, nil
}

// dispatch runs pending calls one after another. The executor's gate keeps
// them from overlapping with calls made by sibling steps.
func (c *Composer) dispatch(ctx context.Context, h *session.Handle, step Step, pending []turn.ToolCall) []turn.ToolInvocation {
	invocations := make([]turn.ToolInvocation, 0, len(pending))
	for _, call := range pending {
		if c.tools == nil {
			inv := turn.ErrInvocation(call.ID, call.Name, call.Arguments, turn.KindToolCallError, "no tool executor is configured")
			inv.Stage = step.ID
			invocations = append(invocations, inv)
			continue
		}
		invocations = append(invocations, c.tools.Invoke(ctx, call, &toolexecutor.ExecutionContext{
			ConversationID: h.ConversationID,
			Stage:          step.ID,
			Timeout:        c.toolTO,
			GateTimeout:    c.gateTO,
			ToolPolicy:     &toolexecutor.ToolPolicy{Allow: step.Tools},
		}))
	}
	return invocations
}
