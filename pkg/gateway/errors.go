package gateway

import (
	"errors"

	"github.com/harun/agentgate/pkg/turn"
)

var kindCodes = map[turn.Kind]int{
	turn.KindInvalidIdentity:       InvalidParams,
	turn.KindBackendUnavailable:    BackendUnavailable,
	turn.KindBackendTimeout:        BackendTimeout,
	turn.KindSessionLost:           RecoveryFailed,
	turn.KindSessionRecoveryFailed: RecoveryFailed,
	turn.KindPipelineStageFailed:   StageFailed,
	turn.KindToolCallTimeout:       StageFailed,
	turn.KindToolCallError:         StageFailed,
}

// CodeForKind returns the JSON-RPC error code a turn error kind maps to
func CodeForKind(kind turn.Kind) int {
	if code, ok := kindCodes[kind]; ok {
		return code
	}
	return InternalError
}

// ErrorData is the error.data payload of a failed turn
type ErrorData struct {
	Kind           turn.Kind    `json:"kind"`
	CauseKind      turn.Kind    `json:"cause_kind,omitempty"`
	Retryable      bool         `json:"retryable"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Stage          string       `json:"stage,omitempty"`
	Partial        *turn.Result `json:"partial,omitempty"`
}

// DetailData is the error.data payload of protocol errors, so every error.data
// on the wire is an object
type DetailData struct {
	Detail string `json:"detail"`
}

// rpcErrorFrom converts a handler error into its wire form
func rpcErrorFrom(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return rpcErrorFromTurn(turn.AsError(err))
}

func rpcErrorFromTurn(te *turn.Error) *RPCError {
	data := ErrorData{
		Kind:           te.Kind,
		Retryable:      te.Retryable,
		ConversationID: te.ConversationID,
		Stage:          te.Stage,
		Partial:        te.Partial,
	}
	if te.Err != nil {
		if cause := turn.KindOf(te.Err); cause != te.Kind && cause != turn.KindInternal {
			data.CauseKind = cause
		}
	}
	return &RPCError{
		Code:    CodeForKind(te.Kind),
		Message: te.Error(),
		Data:    data,
	}
}

func retryable(e *RPCError) bool {
	if e == nil {
		return false
	}
	if data, ok := e.Data.(ErrorData); ok {
		return data.Retryable
	}
	return e.Code == RateLimitExceeded || e.Code == TooManyConcurrent
}

func invalidParams(msg string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: msg}
}
