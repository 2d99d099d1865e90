package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the client-visible taxonomy. Every error that crosses a
// transport boundary maps onto exactly one kind; anything unclassified
// surfaces as KindInternal.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindForbidden       ErrorKind = "forbidden"
	KindNotFound        ErrorKind = "not_found"
	KindDuplicate       ErrorKind = "duplicate"
	KindRateLimited     ErrorKind = "rate_limited"
	KindUnavailable     ErrorKind = "unavailable"
	KindBadRequest      ErrorKind = "bad_request"
	KindInternal        ErrorKind = "internal"
)

// DomainError carries a taxonomy kind across layers while preserving the
// wrapped cause for logging.
type DomainError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string) *DomainError {
	return &DomainError{Kind: kind, Msg: msg}
}

func WrapError(kind ErrorKind, msg string, err error) *DomainError {
	return &DomainError{Kind: kind, Msg: msg, Err: err}
}

// KindOf classifies an arbitrary error chain. Unclassified errors are
// internal by definition.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// Retryable reports whether the client may safely retry with the same
// clientMsgId.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}
