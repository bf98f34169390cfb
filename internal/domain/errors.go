package domain

import (
	"errors"
	"fmt"
)

// Kind classifies provisioning failures so callers can branch on them.
type Kind string

const (
	KindKeyGeneration      Kind = "key_generation"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindForbidden          Kind = "forbidden"
	KindGatewayUnreachable Kind = "gateway_unreachable"
	KindGatewayRejected    Kind = "gateway_rejected"
	KindCapacity           Kind = "capacity"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindNotFound           Kind = "not_found"
	KindInvalidArgument    Kind = "invalid_argument"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Error is the structured error returned by the provisioning core.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrCapacity)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrKeyGeneration      = &Error{Kind: KindKeyGeneration}
	ErrPoolExhausted      = &Error{Kind: KindPoolExhausted}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrGatewayUnreachable = &Error{Kind: KindGatewayUnreachable}
	ErrGatewayRejected    = &Error{Kind: KindGatewayRejected}
	ErrCapacity           = &Error{Kind: KindCapacity}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
