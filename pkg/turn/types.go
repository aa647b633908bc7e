package turn

import "time"

// Outcome tags a tool invocation as succeeded or failed
type Outcome string

const (
	OutcomeOk  Outcome = "ok"
	OutcomeErr Outcome = "err"
)

// ToolInvocation records one tool call made during a stage.
// Failures are carried in Outcome/Payload, never returned as errors.
type ToolInvocation struct {
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Outcome    Outcome                `json:"outcome"`
	Payload    string                 `json:"payload"`
	ErrorKind  Kind                   `json:"error_kind,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Ok reports whether the invocation succeeded
func (t ToolInvocation) Ok() bool {
	return t.Outcome == OutcomeOk
}

// Duration returns how long the invocation took
func (t ToolInvocation) Duration() time.Duration {
	if t.FinishedAt.IsZero() || t.StartedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// OkInvocation builds a successful invocation
func OkInvocation(id, name string, args map[string]interface{}, text string) ToolInvocation {
	return ToolInvocation{ID: id, Name: name, Arguments: args, Outcome: OutcomeOk, Payload: text}
}

// ErrInvocation builds a failed invocation
func ErrInvocation(id, name string, args map[string]interface{}, kind Kind, text string) ToolInvocation {
	return ToolInvocation{ID: id, Name: name, Arguments: args, Outcome: OutcomeErr, Payload: text, ErrorKind: kind}
}

// ToolCall is a tool call requested by the backend that has not been answered yet
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Fragment is the normalized form of one backend turn payload
type Fragment struct {
	Text        string           `json:"text"`
	ToolCalls   []ToolInvocation `json:"tool_calls,omitempty"`
	Pending     []ToolCall       `json:"pending,omitempty"`
	Diagnostics []string         `json:"diagnostics,omitempty"`
}

// Malformed reports whether the payload could not be interpreted at all
func (f Fragment) Malformed() bool {
	return f.Text == "" && len(f.ToolCalls) == 0 && len(f.Pending) == 0 && len(f.Diagnostics) > 0
}

// StageOutput is the text one pipeline step produced
type StageOutput struct {
	Stage string `json:"stage"`
	Slot  string `json:"slot,omitempty"`
	Text  string `json:"text"`
}

// Result is the canonical output of one submitted turn
type Result struct {
	Text           string           `json:"text"`
	ToolCalls      []ToolInvocation `json:"tool_calls"`
	ConversationID string           `json:"conversation_id"`
	Recovered      bool             `json:"recovered,omitempty"`
	Stages         []StageOutput    `json:"stages,omitempty"`
	Diagnostics    []string         `json:"diagnostics,omitempty"`
}

// NewResult returns an empty result bound to a conversation
func NewResult(conversationID string) *Result {
	return &Result{
		ToolCalls:      []ToolInvocation{},
		ConversationID: conversationID,
	}
}

// Absorb appends a fragment's tool trace and diagnostics to the result
func (r *Result) Absorb(stage string, f Fragment) {
	for _, call := range f.ToolCalls {
		if call.Stage == "" {
			call.Stage = stage
		}
		r.ToolCalls = append(r.ToolCalls, call)
	}
	for _, d := range f.Diagnostics {
		if stage != "" {
			d = stage + ": " + d
		}
		r.Diagnostics = append(r.Diagnostics, d)
	}
}

// Clone returns a deep enough copy for handing partial results to callers
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.ToolCalls = append([]ToolInvocation{}, r.ToolCalls...)
	out.Stages = append([]StageOutput(nil), r.Stages...)
	out.Diagnostics = append([]string(nil), r.Diagnostics...)
	return &out
}
