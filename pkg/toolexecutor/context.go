package toolexecutor

import "context"

type execContextKey struct{}

// ContextWithExecContext makes the invocation's execution context visible to tool handlers
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context of the running invocation, if any
func ExecContextFromContext(ctx context.Context) (*ExecutionContext, bool) {
	execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx, ok && execCtx != nil
}
