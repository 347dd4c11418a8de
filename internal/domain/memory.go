package domain

import (
	"context"
	"io"
)

// ConversationStore handles persistent storage of conversations and their messages.
type ConversationStore interface {
	// List returns every conversation, newest CreatedAt first.
	List(ctx context.Context) ([]Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	Create(ctx context.Context, title string) (*Conversation, error)
	Append(ctx context.Context, id string, msg Message) error
	Rename(ctx context.Context, id, title string) error
	// Delete reports whether a conversation was removed.
	Delete(ctx context.Context, id string) (bool, error)

	Close() error
}

// TurnAppender is implemented by stores that can write a user message and the
// assistant reply to it atomically.
type TurnAppender interface {
	AppendTurn(ctx context.Context, id string, user, assistant Message) error
}

// BlobStore keeps the bytes behind message attachments.
type BlobStore interface {
	Put(ctx context.Context, conversationID, fileName, fileType string, r io.Reader) (Attachment, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}
