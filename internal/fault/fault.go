// Package fault classifies the unrecoverable failures a node can hit while
// bootstrapping or running.
//
// Functions return *Error values up the call chain; only the process entry
// point decides to terminate. Classification is by Kind:
//
// - Config: launch flags, supergraph parameters, node lookups
//
// - Connection: coordination store unreachable
//
// - Resource: memory locking, signal handlers, shared memory
//
// - Protocol: malformed supergraph payloads
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an Error.
type Kind int

const (
	Config Kind = iota + 1
	Connection
	Resource
	Protocol
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Connection:
		return "connection"
	case Resource:
		return "resource"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Kind sentinels for errors.Is matching.
var (
	ErrConfig     = &Error{Kind: Config}
	ErrConnection = &Error{Kind: Connection}
	ErrResource   = &Error{Kind: Resource}
	ErrProtocol   = &Error{Kind: Protocol}
)

// Error is a classified failure naming the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String() + " error"
	case e.Err == nil:
		return e.Op
	case e.Op == "":
		return e.Err.Error()
	default:
		return e.Op + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so errors.Is(err, ErrConfig)
// holds for every configuration failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configf(op string, format string, args ...any) *Error {
	return New(Config, op, fmt.Errorf(format, args...))
}

func Connectionf(op string, format string, args ...any) *Error {
	return New(Connection, op, fmt.Errorf(format, args...))
}

func Resourcef(op string, format string, args ...any) *Error {
	return New(Resource, op, fmt.Errorf(format, args...))
}

func Protocolf(op string, format string, args ...any) *Error {
	return New(Protocol, op, fmt.Errorf(format, args...))
}

// KindOf reports the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
