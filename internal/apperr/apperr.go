// Package apperr defines the typed errors returned by the chat core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	Forbidden
	Conflict
	InvalidArgument
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Forbidden:
		return "forbidden"
	case Conflict:
		return "conflict"
	case InvalidArgument:
		return "invalid argument"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Named conflict and lookup failures that callers match with errors.Is.
var (
	ErrAlreadyFriends   = &Error{Kind: Conflict, Msg: "users are already friends"}
	ErrAlreadyRequested = &Error{Kind: Conflict, Msg: "friend request already pending"}
	ErrAlreadyMember    = &Error{Kind: Conflict, Msg: "user is already a member"}
	ErrEmailTaken       = &Error{Kind: Conflict, Msg: "email already in use"}
	ErrUsernameTaken    = &Error{Kind: Conflict, Msg: "username already in use"}
	ErrNoFriendRequest  = &Error{Kind: NotFound, Msg: "friend request not found"}
)

// New returns an error of the given kind.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFoundf is shorthand for New(NotFound, ...).
func NotFoundf(op, format string, args ...any) error {
	return New(NotFound, op, format, args...)
}

// Invalidf is shorthand for New(InvalidArgument, ...).
func Invalidf(op, format string, args ...any) error {
	return New(InvalidArgument, op, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
