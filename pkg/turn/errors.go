package turn

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies gateway errors
type Kind string

const (
	KindInvalidIdentity       Kind = "InvalidIdentity"
	KindBackendUnavailable    Kind = "BackendUnavailable"
	KindBackendTimeout        Kind = "BackendTimeout"
	KindSessionLost           Kind = "SessionLost"
	KindSessionRecoveryFailed Kind = "SessionRecoveryFailed"
	KindPipelineStageFailed   Kind = "PipelineStageFailed"
	KindToolCallTimeout       Kind = "ToolCallTimeout"
	KindToolCallError         Kind = "ToolCallError"
	KindCanceled              Kind = "Canceled"
	KindInternal              Kind = "Internal"
)

var (
	// ErrInvalidIdentity is returned for unknown agents and malformed identities
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrBackendUnavailable is returned when the agent backend cannot be reached
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendTimeout is returned when a backend call exceeds its deadline
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrSessionLost is returned when the backend no longer knows a session
	ErrSessionLost = errors.New("session lost")

	// ErrSessionRecoveryFailed is returned when the retry after recovery also lost its session
	ErrSessionRecoveryFailed = errors.New("session recovery failed")

	// ErrPipelineStageFailed is returned when a pipeline step fails
	ErrPipelineStageFailed = errors.New("pipeline stage failed")

	// ErrToolCallTimeout is returned when a tool call cannot acquire its gate in time
	ErrToolCallTimeout = errors.New("tool call timeout")

	// ErrToolCallError marks a tool backend error
	ErrToolCallError = errors.New("tool call error")

	// ErrCanceled is returned when the caller abandons the turn
	ErrCanceled = errors.New("turn canceled")

	// ErrInternal is returned for unexpected failures
	ErrInternal = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindInvalidIdentity:       ErrInvalidIdentity,
	KindBackendUnavailable:    ErrBackendUnavailable,
	KindBackendTimeout:        ErrBackendTimeout,
	KindSessionLost:           ErrSessionLost,
	KindSessionRecoveryFailed: ErrSessionRecoveryFailed,
	KindPipelineStageFailed:   ErrPipelineStageFailed,
	KindToolCallTimeout:       ErrToolCallTimeout,
	KindToolCallError:         ErrToolCallError,
	KindCanceled:              ErrCanceled,
	KindInternal:              ErrInternal,
}

// Retryable reports whether the caller may resubmit the whole turn
func (k Kind) Retryable() bool {
	return k == KindBackendUnavailable || k == KindBackendTimeout
}

// Sentinel returns the sentinel error for the kind
func (k Kind) Sentinel() error {
	if err, ok := sentinels[k]; ok {
		return err
	}
	return ErrInternal
}

// Error is the typed error surfaced by gateway operations
type Error struct {
	Kind           Kind    `json:"kind"`
	Op             string  `json:"op,omitempty"`
	Stage          string  `json:"stage,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Message        string  `json:"message"`
	Retryable      bool    `json:"retryable"`
	Partial        *Result `json:"partial,omitempty"`
	Err            error   `json:"-"`
}

// NewError creates a typed error wrapping cause
func NewError(kind Kind, op string, cause error) *Error {
	e := &Error{Kind: kind, Op: op, Retryable: kind.Retryable(), Err: cause}
	if cause != nil {
		e.Message = cause.Error()
	} else {
		e.Message = string(kind)
	}
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" (stage %s)", e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Message != "" && e.Message != string(e.Kind) {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// WithStage sets the failing stage
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithPartial attaches the partial result
func (e *Error) WithPartial(r *Result) *Error {
	e.Partial = r
	return e
}

// WithConversation sets the conversation the error refers to
func (e *Error) WithConversation(id string) *Error {
	e.ConversationID = id
	return e
}

// KindOf returns the kind of err, classifying plain errors by their sentinels
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for _, kind := range []Kind{
		KindSessionRecoveryFailed,
		KindSessionLost,
		KindInvalidIdentity,
		KindBackendTimeout,
		KindBackendUnavailable,
		KindPipelineStageFailed,
		KindToolCallTimeout,
		KindToolCallError,
		KindCanceled,
	} {
		if errors.Is(err, sentinels[kind]) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBackendTimeout
	}
	return KindInternal
}

// AsError converts any error into a typed error
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return NewError(KindOf(err), "", err)
}

// IsSessionLost reports whether err signals session loss
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrSessionLost)
}
