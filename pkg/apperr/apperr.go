// Package apperr carries the error taxonomy of the transcription pipeline.
// Every stage returns an *Error tagged with a Kind; the HTTP layer maps the
// kind to a status code and a uniform envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInput         Kind = "input"
	KindFormat        Kind = "format"
	KindConfiguration Kind = "configuration"
	KindEngine        Kind = "engine"
	KindCancellation  Kind = "cancellation"
	KindUnexpected    Kind = "unexpected"
)

// StatusClientClosedRequest is the non-standard 499 status used when the
// caller-side deadline fired before the engine answered.
const StatusClientClosedRequest = 499

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error

	// UpstreamStatus and UpstreamBody are set for KindEngine.
	UpstreamStatus int
	UpstreamBody   string

	// Placeholder is a clearly marked stand-in transcript returned to callers
	// instead of real content.
	Placeholder string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Wrap tags err with kind. An error that is already tagged keeps its kind.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

// Engine reports a non-success answer from the transcription engine.
func Engine(op string, status int, body string) *Error {
	return &Error{
		Kind:           KindEngine,
		Op:             op,
		Message:        fmt.Sprintf("transcription engine returned status %d", status),
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// KindOf returns the kind of the first tagged error in the chain, or
// KindUnexpected for untagged errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnexpected
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code sent to callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput, KindFormat, KindConfiguration:
		return http.StatusBadRequest
	case KindCancellation:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// As returns the tagged error in the chain, converting untagged errors
// into KindUnexpected.
func As(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{
		Kind:    KindUnexpected,
		Op:      "unknown",
		Message: "unexpected error",
		Cause:   err,
	}
}
