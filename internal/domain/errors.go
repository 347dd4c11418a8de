package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyUtterance rejects a turn whose text is empty or only whitespace.
	ErrEmptyUtterance = errors.New("message is empty")

	// ErrConversationNotFound is returned for ids that no store knows about.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyCompletion is returned when a completion carries no text.
	ErrEmptyCompletion = errors.New("empty response")
)

// CompletionError wraps a failed call to the completion client. Nothing from
// the turn has been persisted when it is returned.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// StorageError wraps a failed store write or read.
type StorageError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *StorageError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s (conversation %s): %v", e.Op, e.ConversationID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
