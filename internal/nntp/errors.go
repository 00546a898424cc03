package nntp

import (
	"errors"
	"fmt"
)

// ErrArticleNotFound indicates the article is missing on every server tried.
var ErrArticleNotFound = errors.New("article not found")

// ErrProtocol marks malformed or unexpected data from the server.
var ErrProtocol = errors.New("nntp protocol error")

// ErrorKind classifies connection failures so the owner can pick a policy
// (reconnect, give up, disable the account).
type ErrorKind int

const (
	ErrResolve ErrorKind = iota
	ErrAuthenticationRejected
	ErrNoPermission
	ErrTimeout
	ErrNetwork
	ErrPipelineReset
	ErrInterrupted
	ErrProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrResolve:
		return "resolve"
	case ErrAuthenticationRejected:
		return "authentication rejected"
	case ErrNoPermission:
		return "no permission"
	case ErrTimeout:
		return "timeout"
	case ErrNetwork:
		return "network"
	case ErrPipelineReset:
		return "pipeline reset"
	case ErrInterrupted:
		return "interrupted"
	default:
		return "protocol"
	}
}

// Error is the failure captured by connection actions.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether reconnecting may fix the failure.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case ErrAuthenticationRejected, ErrNoPermission, ErrInterrupted:
		return false
	default:
		return true
	}
}

// KindOf extracts the ErrorKind from err. ok is false when err doesn't wrap
// an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
