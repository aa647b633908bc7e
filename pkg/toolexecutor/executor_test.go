package toolexecutor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentgate/pkg/turn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo tool",
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["message"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New()

	require.NoError(t, te.RegisterTool(echoTool()))

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, []string{"echo"}, te.ListTools())
	assert.Equal(t, 1, te.GetToolCount())

	te.UnregisterTool("echo")
	assert.Nil(t, te.GetTool("echo"))
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New()
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "Test", Handler: noop}},
		{"empty description", ToolDefinition{Name: "test", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "test", Description: "Test"}},
		{"bad param type", ToolDefinition{
			Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "p", Type: "date"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Invoke_Success(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	inv := te.Invoke(context.Background(), turn.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: map[string]interface{}{"message": "hello"},
	}, &ExecutionContext{ConversationID: "conv-1", Stage: "answer"})

	assert.True(t, inv.Ok())
	assert.Equal(t, "hello", inv.Payload)
	assert.Equal(t, "c1", inv.ID)
	assert.Equal(t, "answer", inv.Stage)
	assert.False(t, inv.StartedAt.IsZero())
	assert.False(t, inv.FinishedAt.Before(inv.StartedAt))
}

func TestToolExecutor_Invoke_FailuresAreValues(t *testing.T) {
	te := New(WithCallTimeout(30 * time.Millisecond))
	require.NoError(t, te.RegisterTool(echoTool()))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("upstream exploded")
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Sleeps until canceled",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	tests := []struct {
		name     string
		call     turn.ToolCall
		policy   *ToolPolicy
		kind     turn.Kind
		contains string
	}{
		{"unknown tool", turn.ToolCall{Name: "nope"}, nil, turn.KindToolCallError, "tool not found"},
		{"missing required param", turn.ToolCall{Name: "echo"}, nil, turn.KindToolCallError, "parameter validation failed"},
		{"handler error", turn.ToolCall{Name: "broken"}, nil, turn.KindToolCallError, "upstream exploded"},
		{"handler panic", turn.ToolCall{Name: "panicky"}, nil, turn.KindToolCallError, "panicked"},
		{"handler timeout", turn.ToolCall{Name: "slow"}, nil, turn.KindToolCallTimeout, "timeout"},
		{"not allowed for stage", turn.ToolCall{Name: "broken"}, &ToolPolicy{Allow: []string{"echo"}}, turn.KindToolCallError, "not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inv turn.ToolInvocation
			require.NotPanics(t, func() {
				inv = te.Invoke(context.Background(), tt.call, &ExecutionContext{
					ConversationID: "conv-1",
					ToolPolicy:     tt.policy,
				})
			})
			assert.Equal(t, turn.OutcomeErr, inv.Outcome)
			assert.Equal(t, tt.kind, inv.ErrorKind)
			assert.Contains(t, inv.Payload, tt.contains)
		})
	}

	// Every failure released the gate.
	require.Eventually(t, func() bool { return !te.Gate().Busy("conv-1") }, time.Second, 5*time.Millisecond)
}

// Two concurrent invocations on one conversation must not overlap: the
// stub records entry and exit times and the intervals are checked.
func TestToolExecutor_Invoke_SerializedPerConversation(t *testing.T) {
	te := New()

	type span struct{ enter, exit time.Time }
	var (
		mu    sync.Mutex
		spans []span
	)
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "stateful",
		Description: "Mutates shared state",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			s := span{enter: time.Now()}
			time.Sleep(40 * time.Millisecond)
			s.exit = time.Now()
			mu.Lock()
			spans = append(spans, s)
			mu.Unlock()
			return "done", nil
		},
	}))

	var wg sync.WaitGroup
	results := make([]turn.ToolInvocation, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = te.Invoke(context.Background(), turn.ToolCall{Name: "stateful"},
				&ExecutionContext{ConversationID: "conv-1"})
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.Ok())
	}
	require.Len(t, spans, 2)
	first, second := spans[0], spans[1]
	if second.enter.Before(first.enter) {
		first, second = second, first
	}
	assert.False(t, second.enter.Before(first.exit), "second call entered before the first exited")
}

func TestToolExecutor_Invoke_DifferentConversationsOverlap(t *testing.T) {
	te := New()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "wait",
		Description: "Blocks until released",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			started <- struct{}{}
			<-release
			return "ok", nil
		},
	}))

	var wg sync.WaitGroup
	for _, conv := range []string{"a", "b"} {
		conv := conv
		wg.Add(1)
		go func() {
			defer wg.Done()
			te.Invoke(context.Background(), turn.ToolCall{Name: "wait"}, &ExecutionContext{ConversationID: conv})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("calls for different conversations were serialized")
		}
	}
	close(release)
	wg.Wait()
}

func TestToolExecutor_Invoke_GateTimeout(t *testing.T) {
	te := New()

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "hold",
		Description: "Holds the gate",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			close(entered)
			<-release
			return "ok", nil
		},
	}))
	require.NoError(t, te.RegisterTool(echoTool()))

	go te.Invoke(context.Background(), turn.ToolCall{Name: "hold"}, &ExecutionContext{ConversationID: "conv-1"})
	<-entered

	inv := te.Invoke(context.Background(), turn.ToolCall{
		Name:      "echo",
		Arguments: map[string]interface{}{"message": "hi"},
	}, &ExecutionContext{ConversationID: "conv-1", GateTimeout: 20 * time.Millisecond})

	assert.Equal(t, turn.OutcomeErr, inv.Outcome)
	assert.Equal(t, turn.KindToolCallTimeout, inv.ErrorKind)
	close(release)
}

func TestToolExecutor_Invoke_CancelReleasesGate(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Honors cancellation",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	inv := te.Invoke(ctx, turn.ToolCall{Name: "slow"}, &ExecutionContext{ConversationID: "conv-1"})

	assert.Equal(t, turn.KindCanceled, inv.ErrorKind)
	require.Eventually(t, func() bool { return !te.Gate().Busy("conv-1") }, time.Second, 5*time.Millisecond)
}

func TestToolExecutor_Invoke_StuckHandlerReleasedAfterGrace(t *testing.T) {
	te := New(WithCallTimeout(20*time.Millisecond), WithReleaseGrace(50*time.Millisecond))

	stuck := make(chan struct{})
	defer close(stuck)
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "stuck",
		Description: "Ignores cancellation",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-stuck
			return "late", nil
		},
	}))
	require.NoError(t, te.RegisterTool(echoTool()))

	inv := te.Invoke(context.Background(), turn.ToolCall{Name: "stuck"}, &ExecutionContext{ConversationID: "conv-1"})
	assert.Equal(t, turn.KindToolCallTimeout, inv.ErrorKind)
	assert.True(t, te.Gate().Busy("conv-1"), "gate stays held during the grace period")

	// After the grace period the next call proceeds although the handler still runs.
	next := te.Invoke(context.Background(), turn.ToolCall{
		Name:      "echo",
		Arguments: map[string]interface{}{"message": "hi"},
	}, &ExecutionContext{ConversationID: "conv-1", GateTimeout: time.Second})
	assert.True(t, next.Ok())
	assert.Equal(t, "hi", next.Payload)
}

func TestForceRelease_LogsConversation(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("conversation_id", "conv-9").Str("tool", "stuck").Logger()

	released := make(chan struct{})
	forceRelease(make(chan struct{}), func() { close(released) }, 10*time.Millisecond, logger)

	select {
	case <-released:
	default:
		t.Fatal("gate was not released")
	}
	assert.Contains(t, buf.String(), `"conversation_id":"conv-9"`)
	assert.Contains(t, buf.String(), "ignored cancellation")

	done := make(chan struct{})
	close(done)
	forceRelease(done, func() { t.Fatal("released a gate whose handler returned") }, time.Hour, logger)
}

func TestToolExecutor_RenderAndTruncate(t *testing.T) {
	te := New(WithMaxOutput(16))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "big",
		Description: "Large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return strings.Repeat("x", 100), nil
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "structured",
		Description: "Map output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]int{"n": 1}, nil
		},
	}))

	big := te.Invoke(context.Background(), turn.ToolCall{Name: "big"}, nil)
	assert.True(t, big.Ok())
	assert.True(t, strings.HasPrefix(big.Payload, strings.Repeat("x", 16)))
	assert.Contains(t, big.Payload, "[output truncated]")

	structured := te.Invoke(context.Background(), turn.ToolCall{Name: "structured"}, nil)
	assert.Equal(t, `{"n":1}`, structured.Payload)
}

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("anything"))

	p := &ToolPolicy{Allow: []string{"*"}, Deny: []string{"rm"}}
	assert.True(t, p.IsToolAllowed("search"))
	assert.False(t, p.IsToolAllowed("rm"))

	empty := &ToolPolicy{}
	assert.False(t, empty.IsToolAllowed("search"))
}

func TestRegisterBuiltins(t *testing.T) {
	te := New()
	require.NoError(t, RegisterBuiltins(te))

	assert.Equal(t, []string{"clock", "echo"}, te.ListTools())

	inv := te.Invoke(context.Background(), turn.ToolCall{Name: "clock", Arguments: map[string]interface{}{"timezone": "Not/AZone"}}, nil)
	assert.Equal(t, turn.OutcomeErr, inv.Outcome)
}
