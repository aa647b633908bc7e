package gateway

import "context"

type ctxKey string

const clientIDKey ctxKey = "gateway.client_id"

// withClientID records which connection issued an RPC call
func withClientID(ctx context.Context, clientID string) context.Context {
	if clientID == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey, clientID)
}

// clientIDFromContext returns the caller's connection ID, or the remote
// address for plain HTTP calls.
func clientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return "unknown"
}
