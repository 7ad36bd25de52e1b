package types

import "fmt"

// ErrorKind classifies failures across the pipeline.
type ErrorKind string

const (
	KindInvalidEvent             ErrorKind = "invalid_event"
	KindResolutionTooHigh        ErrorKind = "resolution_too_high"
	KindTranscodeFailed          ErrorKind = "transcode_failed"
	KindTranscriptionUnavailable ErrorKind = "transcription_unavailable"
	KindDuplicateResult          ErrorKind = "duplicate_result"
	KindTimeout                  ErrorKind = "timeout"
	KindNotifierUnreachable      ErrorKind = "notifier_unreachable"
	KindUnknownJob               ErrorKind = "unknown_job"
)

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrInvalidEvent    = &Error{Kind: KindInvalidEvent}
	ErrTranscodeFailed = &Error{Kind: KindTranscodeFailed}
	ErrDuplicateResult = &Error{Kind: KindDuplicateResult}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrUnknownJob      = &Error{Kind: KindUnknownJob}
)

// Error is a kind-tagged error with optional operation context and cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on kind so callers can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}
