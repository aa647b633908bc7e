package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/harun/agentgate/pkg/backend"
	"github.com/harun/agentgate/pkg/backend/backendtest"
	"github.com/harun/agentgate/pkg/pipeline"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	fake        *backendtest.Fake
	sessions    *session.Manager
	coordinator *Coordinator

	mu          sync.Mutex
	transitions []Transition
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, 0, len(h.transitions))
	for _, t := range h.transitions {
		out = append(out, t.State)
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{fake: backendtest.New()}

	var err error
	h.sessions, err = session.NewManager(session.Config{Backend: h.fake})
	require.NoError(t, err)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(pipeline.Definition{
		Agent:  "faq_agent",
		Stages: []pipeline.Stage{pipeline.Sequential{Step: pipeline.Step{ID: "answer"}}},
	}))

	composer, err := pipeline.NewComposer(pipeline.Config{Backend: h.fake})
	require.NoError(t, err)

	h.coordinator, err = New(Config{
		Sessions:  h.sessions,
		Pipelines: registry,
		Executor:  composer,
		Observer: func(ctx context.Context, tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return h
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t)

	result, err := h.coordinator.Run(context.Background(), Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "hello", result.Text)
	assert.False(t, result.Recovered)
	assert.NotEmpty(t, result.ConversationID)
	assert.Equal(t, []State{StateAttempting, StateSuccess}, h.states())
}

func TestRun_UnknownAgent(t *testing.T) {
	h := newHarness(t)

	_, err := h.coordinator.Run(context.Background(), Request{AgentID: "nobody", UserID: "u1", Message: "hi"})
	assert.ErrorIs(t, err, turn.ErrInvalidIdentity)
	assert.Empty(t, h.fake.Calls())
}

func TestRun_RecoversExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	original := first.ConversationID

	h.fake.LoseSession("faq_agent", "u1", original)

	recovered, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: original, Message: "again"})
	require.NoError(t, err)
	assert.True(t, recovered.Recovered)
	assert.NotEqual(t, original, recovered.ConversationID)
	assert.Equal(t, "again", recovered.Text)

	handle, ok := h.sessions.Lookup(ctx, recovered.ConversationID)
	require.True(t, ok)
	assert.Equal(t, original, handle.ParentID)

	// The new identity works without further recovery.
	next, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: recovered.ConversationID, Message: "third"})
	require.NoError(t, err)
	assert.False(t, next.Recovered)
	assert.Equal(t, recovered.ConversationID, next.ConversationID)

	reissues := 0
	for _, s := range h.states() {
		if s == StateReissuing {
			reissues++
		}
	}
	assert.Equal(t, 1, reissues)
}

func TestRun_SecondLossFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	h.fake.LoseNextSessions(2)
	before := len(h.fake.Runs())

	_, err = h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: first.ConversationID, Message: "again"})
	require.Error(t, err)

	var te *turn.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, turn.KindSessionRecoveryFailed, te.Kind)
	assert.ErrorIs(t, err, turn.ErrSessionRecoveryFailed)
	assert.NotEqual(t, first.ConversationID, te.ConversationID)
	assert.Equal(t, 2, len(h.fake.Runs())-before, "exactly one retry")

	states := h.states()
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestRun_TombstonedIdentityRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	h.fake.LoseSession("faq_agent", "u1", first.ConversationID)
	second, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: first.ConversationID, Message: "again"})
	require.NoError(t, err)
	require.True(t, second.Recovered)

	creates := h.fake.SessionCount()

	// A stale client still naming the retired identity joins the replacement.
	third, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: first.ConversationID, Message: "stale"})
	require.NoError(t, err)
	assert.True(t, third.Recovered)
	assert.Equal(t, second.ConversationID, third.ConversationID)
	assert.Equal(t, creates, h.fake.SessionCount())
	assert.NotContains(t, h.states()[len(h.states())-2:], StateReissuing)
}

func TestRun_ReplacementLostAgainIsReissued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	h.fake.LoseSession("faq_agent", "u1", first.ConversationID)
	second, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: first.ConversationID, Message: "again"})
	require.NoError(t, err)

	h.fake.LoseSession("faq_agent", "u1", second.ConversationID)
	third, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: first.ConversationID, Message: "stale"})
	require.NoError(t, err)
	assert.True(t, third.Recovered)
	assert.NotEqual(t, second.ConversationID, third.ConversationID)
	assert.True(t, h.fake.HasSession("faq_agent", "u1", third.ConversationID))
}

func TestRun_NonLossErrorsPassThrough(t *testing.T) {
	h := newHarness(t)
	h.fake.FailRun(fmt.Errorf("%w: overloaded", backend.ErrUnavailable))

	_, err := h.coordinator.Run(context.Background(), Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	assert.ErrorIs(t, err, turn.ErrPipelineStageFailed)
	assert.ErrorIs(t, err, turn.ErrBackendUnavailable)
	assert.NotContains(t, h.states(), StateReissuing)
}

func TestRun_ReissueFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	h.fake.LoseSession("faq_agent", "u1", first.ConversationID)
	h.fake.FailCreate(fmt.Errorf("%w: down", backend.ErrUnavailable))

	_, err = h.coordinator.Run(ctx, Request{AgentID: "faq_agent", UserID: "u1", ConversationID: first.ConversationID, Message: "again"})
	assert.ErrorIs(t, err, turn.ErrSessionRecoveryFailed)
	assert.ErrorIs(t, err, turn.ErrBackendUnavailable)
}
