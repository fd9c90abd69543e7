package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures the way clients are expected to react to them.
type ErrorKind string

const (
	// KindProtocolViolation rejects the message; the client resyncs and the
	// connection stays open.
	KindProtocolViolation ErrorKind = "protocol_violation"
	// KindAuthorizationFailure closes the connection; clients do not retry.
	KindAuthorizationFailure ErrorKind = "authorization_failure"
	// KindTransientInfraFailure means a dependency is unreachable; the live
	// edit path keeps running in degraded mode.
	KindTransientInfraFailure ErrorKind = "transient_infra_failure"
	// KindFatalInternalError rejects one batch and is surfaced to operators.
	KindFatalInternalError ErrorKind = "fatal_internal_error"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotJoined       = errors.New("connection has not joined the session")
	ErrNotOwner        = errors.New("instance does not own the session")
	ErrClosed          = errors.New("closed")
	ErrNoSnapshot      = errors.New("no snapshot for document")
)

// Error is a classified failure that can cross process and wire boundaries.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	// ResyncFrom is the version the client should resync from, when the error
	// requires a resync.
	ResyncFrom *int64 `json:"resyncFrom,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

func NewError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

func ProtocolViolation(err error, resyncFrom int64, format string, args ...any) *Error {
	e := NewError(KindProtocolViolation, err, format, args...)
	e.ResyncFrom = &resyncFrom
	return e
}

func TransientFailure(err error, retryAfter time.Duration, format string, args ...any) *Error {
	e := NewError(KindTransientInfraFailure, err, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// KindOf returns the kind of err, or KindFatalInternalError when err is not
// classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatalInternalError
}

func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError classifies err, wrapping unclassified errors as fatal internal
// errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(KindFatalInternalError, err, "internal error")
}
