package app

import "errors"

var (
	// ErrEmptyConversation indicates no user or assistant message was sent.
	ErrEmptyConversation = errors.New("messages array is empty")
	// ErrNoUserQuery indicates the conversation does not end with a user message.
	ErrNoUserQuery = errors.New("last message must be from the user")
	// ErrGeneration wraps provider failures.
	ErrGeneration = errors.New("generation failed")
)
