package booking

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrAuthRequired is returned when an operation needs a signed-in principal.
	ErrAuthRequired = errors.New("please sign in to continue")
	// ErrSubmissionInFlight rejects a second submission while one is pending.
	ErrSubmissionInFlight = errors.New("a booking submission is already in progress")
	// ErrForbidden is returned when a principal lacks operator access.
	ErrForbidden = errors.New("operator access required")
	// ErrInvalidScope is returned for an unknown listing scope.
	ErrInvalidScope = errors.New("scope must be mine or all")
)

// ValidationError maps form fields to messages. Nothing was written.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StoreError wraps a failed store call. Its message is the store's own.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }
