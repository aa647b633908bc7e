// Package backend defines the agent execution backend the gateway drives and
// ships an HTTP client for ADK-style servers.
//
// Errors returned by implementations are mapped into the gateway taxonomy by
// AsTurnError: ErrSessionNotFound becomes SessionLost, ErrTimeout becomes
// BackendTimeout and ErrUnavailable becomes BackendUnavailable.
package backend
