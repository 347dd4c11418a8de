package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation. It is never modified after it has
// been appended to a store.
type Message struct {
	Role        string       `json:"role" yaml:"role"` // user | assistant
	Content     string       `json:"content" yaml:"content"`
	Timestamp   time.Time    `json:"timestamp" yaml:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// HasAttachments reports whether the message carries at least one file.
func (m Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Attachment references a file stored in a BlobStore.
type Attachment struct {
	FileName   string `json:"fileName" yaml:"fileName"`
	FileType   string `json:"fileType,omitempty" yaml:"fileType,omitempty"`
	ContentRef string `json:"contentRef" yaml:"contentRef"`
}

// Conversation is a persisted, ordered sequence of messages.
type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	Messages  []Message `json:"messages" yaml:"messages"`
}
