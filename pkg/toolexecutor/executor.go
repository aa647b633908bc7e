package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultCallTimeout bounds a single tool handler run
	DefaultCallTimeout = 60 * time.Second

	// DefaultMaxOutput caps the payload recorded for one invocation
	DefaultMaxOutput = 10 * 1024

	// DefaultReleaseGrace is how long a handler that ignores cancellation may
	// keep the gate before it is forcibly released.
	DefaultReleaseGrace = 5 * time.Second
)

// ToolPolicy defines which tools a stage can use
type ToolPolicy struct {
	Allow []string `json:"allow"` // allowed tools (* for all)
	Deny  []string `json:"deny"`  // denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name" yaml:"name"`
	Type        string      `json:"type" yaml:"type"`
	Description string      `json:"description" yaml:"description"`
	Required    bool        `json:"required" yaml:"required"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	Source      string          `json:"source,omitempty"` // "builtin" or the remote backend's name
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for one tool invocation
type ExecutionContext struct {
	ConversationID string
	Stage          string
	Timeout        time.Duration
	GateTimeout    time.Duration
	ToolPolicy     *ToolPolicy
}

// ToolExecutor keeps the tool registry and runs invocations one at a time per conversation
type ToolExecutor struct {
	tools     map[string]*ToolDefinition
	schemas   map[string]*gojsonschema.Schema
	gate      *Gate
	timeout   time.Duration
	grace     time.Duration
	maxOutput int
	mu        sync.RWMutex
}

// Option configures a ToolExecutor
type Option func(*ToolExecutor)

// WithGate sets the gate used to serialize invocations
func WithGate(g *Gate) Option {
	return func(te *ToolExecutor) { te.gate = g }
}

// WithCallTimeout sets the default per-call handler timeout
func WithCallTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.timeout = d
		}
	}
}

// WithReleaseGrace sets how long an abandoned handler may hold the gate
func WithReleaseGrace(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.grace = d
		}
	}
}

// WithMaxOutput sets the payload truncation limit in bytes
func WithMaxOutput(n int) Option {
	return func(te *ToolExecutor) {
		if n > 0 {
			te.maxOutput = n
		}
	}
}

// New creates a new ToolExecutor
func New(opts ...Option) *ToolExecutor {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:     make(map[string]*ToolDefinition),
		schemas:   make(map[string]*gojsonschema.Schema),
		timeout:   DefaultCallTimeout,
		grace:     DefaultReleaseGrace,
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(te)
	}
	if te.gate == nil {
		te.gate = NewGate(DefaultGateTimeout)
	}
	return te
}

// Gate returns the executor's gate
func (te *ToolExecutor) Gate() *Gate {
	return te.gate
}

// RegisterTool registers a new tool, replacing any tool with the same name
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Str("source", def.Source).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Invoke runs one tool call and always returns an invocation record. Calls
// sharing execCtx.ConversationID never overlap: the gate is held from
// dispatch until the handler returns.
func (te *ToolExecutor) Invoke(ctx context.Context, call turn.ToolCall, execCtx *ExecutionContext) turn.ToolInvocation {
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"agentgate.toolexecutor",
		"toolexecutor.invoke",
		attribute.String("tool", call.Name),
		attribute.String("conversation_id", execCtx.ConversationID),
		attribute.String("stage", execCtx.Stage),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Logger()

	started := time.Now()
	inv := te.invoke(ctx, call, execCtx)
	inv.Stage = execCtx.Stage
	inv.StartedAt = started
	inv.FinishedAt = time.Now()

	outcome := string(inv.Outcome)
	if !inv.Ok() {
		outcome = string(inv.ErrorKind)
		span.SetAttributes(attribute.String("tool.error_kind", outcome))
		logger.Warn().Str("error_kind", outcome).Str("error", inv.Payload).Msg("Tool invocation failed")
	} else {
		logger.Debug().Dur("duration", inv.Duration()).Msg("Tool invocation completed")
	}
	observability.RecordToolInvocation(call.Name, outcome, inv.Duration())

	return inv
}

func (te *ToolExecutor) invoke(ctx context.Context, call turn.ToolCall, execCtx *ExecutionContext) turn.ToolInvocation {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	fail := func(kind turn.Kind, format string, a ...interface{}) turn.ToolInvocation {
		return turn.ErrInvocation(call.ID, call.Name, args, kind, fmt.Sprintf(format, a...))
	}

	if !execCtx.ToolPolicy.IsToolAllowed(call.Name) {
		return fail(turn.KindToolCallError, "tool '%s' is not allowed for stage %s", call.Name, execCtx.Stage)
	}

	te.mu.RLock()
	tool := te.tools[call.Name]
	schema := te.schemas[call.Name]
	te.mu.RUnlock()

	if tool == nil {
		return fail(turn.KindToolCallError, "tool not found: %s", call.Name)
	}

	if err := validateParameters(schema, args); err != nil {
		return fail(turn.KindToolCallError, "parameter validation failed: %v", err)
	}

	gateKey := execCtx.ConversationID
	if gateKey == "" {
		gateKey = "_"
	}
	release, err := te.gate.Acquire(ctx, gateKey, execCtx.GateTimeout)
	if err != nil {
		if turn.KindOf(err) == turn.KindToolCallTimeout {
			return fail(turn.KindToolCallTimeout, "%v", err)
		}
		return fail(abandonKind(err), "tool call abandoned: %v", err)
	}

	timeout := te.timeout
	if execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	callCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	resultCh := make(chan outcome, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer release()
		value, err := safeCall(callCtx, tool.Handler, args)
		resultCh <- outcome{value: value, err: err}
	}()

	select {
	case res := <-resultCh:
		// A handler that returned because its context ended is reported the
		// same way as one that was abandoned.
		if res.err != nil && callCtx.Err() != nil {
			return te.abandoned(ctx, call, args, timeout)
		}
		if res.err != nil {
			return fail(turn.KindToolCallError, "%v", res.err)
		}
		text, truncated := te.render(res.value)
		inv := turn.OkInvocation(call.ID, call.Name, args, text)
		if truncated {
			log.Warn().Str("tool", call.Name).Int("limit", te.maxOutput).Msg("Tool output truncated")
		}
		return inv
	case <-callCtx.Done():
		lctx := ctx
		if execCtx.ConversationID != "" {
			lctx = tracing.WithConversationID(ctx, execCtx.ConversationID)
		}
		logger := tracing.LoggerFromContext(lctx, log.Logger).With().Str("tool", call.Name).Logger()
		go forceRelease(done, release, te.grace, logger)
		return te.abandoned(ctx, call, args, timeout)
	}
}

func (te *ToolExecutor) abandoned(ctx context.Context, call turn.ToolCall, args map[string]interface{}, timeout time.Duration) turn.ToolInvocation {
	if err := ctx.Err(); err != nil {
		return turn.ErrInvocation(call.ID, call.Name, args, abandonKind(err), fmt.Sprintf("tool call canceled: %v", err))
	}
	return turn.ErrInvocation(call.ID, call.Name, args, turn.KindToolCallTimeout, fmt.Sprintf("tool execution timeout after %v", timeout))
}

// abandonKind classifies a tool call that ended because its caller's context did
func abandonKind(err error) turn.Kind {
	if errors.Is(err, context.Canceled) {
		return turn.KindCanceled
	}
	return turn.KindToolCallTimeout
}

// forceRelease frees the gate if the handler has not returned within grace.
// The handler keeps running, so the next call on the conversation may overlap it.
func forceRelease(done <-chan struct{}, release func(), grace time.Duration, logger zerolog.Logger) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logger.Error().Dur("grace", grace).Msg("Tool handler ignored cancellation; releasing gate")
		release()
	}
}

func safeCall(ctx context.Context, handler ToolHandler, args map[string]interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}

// render converts a handler result into the invocation's text payload
func (te *ToolExecutor) render(value interface{}) (string, bool) {
	var text string
	switch v := value.(type) {
	case nil:
		text = ""
	case string:
		text = v
	case []byte:
		text = string(v)
	case fmt.Stringer:
		text = v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}
	return truncate(text, te.maxOutput)
}

func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]", true
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// InputSchema returns the JSON schema of a tool's parameters
func (te *ToolExecutor) InputSchema(name string) (map[string]interface{}, bool) {
	te.mu.RLock()
	tool := te.tools[name]
	te.mu.RUnlock()

	if tool == nil {
		return nil, false
	}
	return schemaMap(*tool), true
}

func schemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("validation errors: %v", problems)
	}

	return nil
}
