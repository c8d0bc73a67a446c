// Package relayerr defines the error taxonomy shared by the realtime
// components and its mapping to client-visible error codes.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the client and for metrics.
type Kind string

const (
	KindAuth        Kind = "auth_failure"
	KindMembership  Kind = "membership_failure"
	KindValidation  Kind = "validation_failure"
	KindPersistence Kind = "persistence_failure"
	KindRateLimited Kind = "rate_limited"
	KindInternal    Kind = "internal_error"
)

// Error is a classified error. Op names the failing operation and is never
// shown to clients.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns a classified error, typically used for package sentinels.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error with a client-facing message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Msg != "":
		return e.Msg
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// Public returns the message to show a client. Persistence and internal
// failures never leak details.
func Public(err error) string {
	var classified *Error
	if !errors.As(err, &classified) {
		return "internal error"
	}
	switch classified.Kind {
	case KindPersistence:
		return "message could not be saved"
	case KindInternal:
		return "internal error"
	}
	if classified.Msg != "" {
		return classified.Msg
	}
	if classified.Err != nil {
		return classified.Err.Error()
	}
	return string(classified.Kind)
}

// Terminal reports whether the error must end the connection.
func Terminal(err error) bool {
	return KindOf(err) == KindAuth
}
