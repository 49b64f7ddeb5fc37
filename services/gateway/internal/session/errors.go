package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoSession is returned when a request carries no usable access token.
	ErrNoSession = errors.New("no active session")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("session provider already started")
)

// AuthError is returned by identity operations. Status is the HTTP status the
// gateway should answer with.
type AuthError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}

func (e *AuthError) Unwrap() error { return e.Err }

// ContextError reports a provider lookup on a context that was never wired
// with one. It is raised as a panic.
type ContextError struct {
	Op string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("session: %s called outside a session provider context", e.Op)
}

func transportError(op string, err error) *AuthError {
	return &AuthError{
		Op:      op,
		Status:  http.StatusBadGateway,
		Message: "identity service unavailable",
		Err:     err,
	}
}
