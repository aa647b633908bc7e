// Package toolexecutor registers tools and runs the tool calls a backend
// requests during a stage.
//
// Invariants:
// - Invocations sharing a conversation never overlap. The per-conversation
//   gate is held from dispatch until the handler returns.
// - Parameters are schema-validated before dispatch.
// - Invoke never returns an error: failures are recorded on the
//   turn.ToolInvocation it returns.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.WithCallTimeout(time.Minute))
//	_ = toolexecutor.RegisterBuiltins(exec)
//	inv := exec.Invoke(ctx, turn.ToolCall{Name: "echo", Arguments: args},
//		&toolexecutor.ExecutionContext{ConversationID: conv, Stage: "answer"})
package toolexecutor
