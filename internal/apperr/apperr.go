// Package apperr defines the error kinds surfaced by the client core.
//
// Every error that crosses a component boundary is either an *Error carrying
// one of the kinds below or a plain wrapped error. Callers branch on kinds with
// errors.Is against the package sentinels or with KindOf.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	Unknown Kind = iota
	NotAuthenticated
	Forbidden
	NotFound
	Invalid
	Conflict
	TransportClosed
	Unreachable
	Timeout
	PlatformUnavailable
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	NotAuthenticated:    "not_authenticated",
	Forbidden:           "forbidden",
	NotFound:            "not_found",
	Invalid:             "invalid",
	Conflict:            "conflict",
	TransportClosed:     "transport_closed",
	Unreachable:         "unreachable",
	Timeout:             "timeout",
	PlatformUnavailable: "platform_unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unrecognized names are Unknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return Unknown
}

// Error is a classified error. Op names the failing operation ("registry.register"),
// Code carries a machine-readable detail from the coordinator ("usage_exhausted").
type Error struct {
	Kind Kind
	Op   string
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Code != "" {
		msg = msg + " (" + e.Code + ")"
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind when the target carries no Op,
// which is how the package sentinels are shaped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Msg != "" {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotAuthenticated    = &Error{Kind: NotAuthenticated}
	ErrForbidden           = &Error{Kind: Forbidden}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrInvalid             = &Error{Kind: Invalid}
	ErrConflict            = &Error{Kind: Conflict}
	ErrTransportClosed     = &Error{Kind: TransportClosed}
	ErrUnreachable         = &Error{Kind: Unreachable}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrPlatformUnavailable = &Error{Kind: PlatformUnavailable}
)

// E builds a classified error with a formatted message.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf returns the coordinator code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether err is a transient network condition.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Unreachable, Timeout:
		return true
	}
	return false
}
