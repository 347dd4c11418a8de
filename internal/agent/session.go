package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"claudechat/internal/domain"
)

const defaultTitlePrefix = "Chat "

// SessionManager is the conversation facade used by panels: it names new
// conversations and picks the one a panel opens on.
type SessionManager struct {
	store  domain.ConversationStore
	logger *slog.Logger
	mu     sync.Mutex // serializes Create so "Chat N" numbering does not race
}

func NewSessionManager(store domain.ConversationStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, logger: logger}
}

// Create starts an empty conversation titled "Chat N", N being the number of
// existing conversations plus one.
func (sm *SessionManager) Create(ctx context.Context) (*domain.Conversation, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	existing, err := sm.store.List(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	conv, err := sm.store.Create(ctx, defaultTitlePrefix+strconv.Itoa(len(existing)+1))
	if err != nil {
		return nil, &domain.StorageError{Op: "create", Err: err}
	}
	sm.logger.Info("created new conversation", "conversation", conv.ID, "title", conv.Title)
	return conv, nil
}

func (sm *SessionManager) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := sm.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, err
		}
		return nil, &domain.StorageError{Op: "get", ConversationID: id, Err: err}
	}
	return conv, nil
}

func (sm *SessionManager) List(ctx context.Context) ([]domain.Conversation, error) {
	convs, err := sm.store.List(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	return convs, nil
}

// Delete removes a conversation. Deleting an unknown id is not an error.
func (sm *SessionManager) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := sm.store.Delete(ctx, id)
	if err != nil {
		return false, &domain.StorageError{Op: "delete", ConversationID: id, Err: err}
	}
	if removed {
		sm.logger.Info("conversation deleted", "conversation", id)
	}
	return removed, nil
}

func (sm *SessionManager) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is empty")
	}
	if err := sm.store.Rename(ctx, id, title); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return err
		}
		return &domain.StorageError{Op: "rename", ConversationID: id, Err: err}
	}
	return nil
}

// MostRecentOrCreate returns the newest conversation, creating one when the
// store is empty.
func (sm *SessionManager) MostRecentOrCreate(ctx context.Context) (*domain.Conversation, error) {
	convs, err := sm.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(convs) > 0 {
		return &convs[0], nil
	}
	return sm.Create(ctx)
}

// UpdateTitle replaces a default title with one derived from the first user
// message. conv is the snapshot taken before that message was appended.
func (sm *SessionManager) UpdateTitle(ctx context.Context, conv *domain.Conversation, firstUserMsg string) {
	if conv == nil || len(conv.Messages) > 0 || !isDefaultTitle(conv.Title) {
		return
	}
	title := generateTitle(firstUserMsg)
	if err := sm.store.Rename(ctx, conv.ID, title); err != nil {
		sm.logger.Warn("failed to update conversation title", "conversation", conv.ID, "err", err)
	}
}

func isDefaultTitle(title string) bool {
	if title == "" {
		return true
	}
	n, ok := strings.CutPrefix(title, defaultTitlePrefix)
	if !ok {
		return false
	}
	_, err := strconv.Atoi(n)
	return err == nil
}

func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New conversation"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	runes := []rune(msg)
	if len(runes) > 60 {
		head := string(runes[:60])
		cut := strings.LastIndex(head, " ")
		if cut < 20 {
			cut = len(head)
		}
		msg = head[:cut] + "..."
	}
	return msg
}
