package domain

import (
	"context"
	"errors"
)

// ErrorKind classifies absorbed failures recorded on results and tasks.
type ErrorKind string

const (
	ErrKindExtractionNoise       ErrorKind = "extraction_noise"
	ErrKindToolTimeout           ErrorKind = "tool_timeout"
	ErrKindToolTransport         ErrorKind = "tool_transport"
	ErrKindToolMalformedResponse ErrorKind = "tool_malformed_response"
	ErrKindReasonerTimeout       ErrorKind = "reasoner_timeout"
	ErrKindReasonerError         ErrorKind = "reasoner_error"
	ErrKindWorkerUnavailable     ErrorKind = "worker_unavailable"
	ErrKindTaskDeadline          ErrorKind = "task_deadline_exceeded"
	ErrKindWorkerCrash           ErrorKind = "worker_crash"
)

var (
	ErrToolTimeout           = errors.New("tool timeout")
	ErrToolTransport         = errors.New("tool transport error")
	ErrToolMalformedResponse = errors.New("tool malformed response")
	ErrReasonerTimeout       = errors.New("reasoner timeout")
	ErrReasonerError         = errors.New("reasoner error")
	ErrWorkerUnavailable     = errors.New("worker pool unavailable")
)

// ToolErrorKind maps an adapter error to its kind. Unknown errors count as
// transport failures.
func ToolErrorKind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrKindToolTimeout
	case errors.Is(err, ErrToolMalformedResponse):
		return ErrKindToolMalformedResponse
	default:
		return ErrKindToolTransport
	}
}

// ReasonerErrorKind maps a reasoner error to its kind.
func ReasonerErrorKind(err error) ErrorKind {
	if errors.Is(err, ErrReasonerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrKindReasonerTimeout
	}
	return ErrKindReasonerError
}
