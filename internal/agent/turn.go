package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"claudechat/internal/domain"
	"claudechat/internal/metrics"
)

const (
	DefaultModel     = "claude-3-opus-20240229"
	DefaultMaxTokens = 1000
)

// TurnHandler runs one user turn end to end: snapshot, context selection,
// completion, persistence.
type TurnHandler struct {
	store     domain.ConversationStore
	client    domain.CompletionClient
	selector  *Selector
	limiter   *RateLimiter
	sessions  *SessionManager
	model     string
	maxTokens int
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedMutex
}

// TurnHandlerConfig holds the collaborators of a TurnHandler. Limiter may be nil.
type TurnHandlerConfig struct {
	Store     domain.ConversationStore
	Client    domain.CompletionClient
	Selector  *Selector
	Limiter   *RateLimiter
	Model     string
	MaxTokens int
	Logger    *slog.Logger
	Now       func() time.Time
}

// TurnResult is what a turn produced. It is returned alongside a
// *domain.StorageError when the reply could not be saved.
type TurnResult struct {
	ConversationID   string
	AssistantText    string
	UserMessage      domain.Message
	AssistantMessage domain.Message
	Truncated        bool
	Usage            domain.Usage
}

func NewTurnHandler(cfg TurnHandlerConfig) *TurnHandler {
	if cfg.Selector == nil {
		cfg.Selector = NewSelector(SelectorConfig{})
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TurnHandler{
		store:     cfg.Store,
		client:    cfg.Client,
		selector:  cfg.Selector,
		limiter:   cfg.Limiter,
		sessions:  NewSessionManager(cfg.Store, cfg.Logger),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
		now:       cfg.Now,
		locks:     newKeyedMutex(),
	}
}

// SubmitTurn answers text in the given conversation. Turns on the same
// conversation run one at a time.
//
// Errors: domain.ErrEmptyUtterance and domain.ErrConversationNotFound before
// anything is sent; *domain.CompletionError when the model call fails, with
// nothing persisted; *domain.StorageError, together with a non-nil result,
// when the reply was produced but could not be saved.
func (h *TurnHandler) SubmitTurn(ctx context.Context, conversationID, text string, attachments ...domain.Attachment) (*TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyUtterance
	}

	unlock := h.locks.Lock(conversationID)
	defer unlock()

	conv, err := h.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, err
		}
		return nil, &domain.StorageError{Op: "get", ConversationID: conversationID, Err: err}
	}

	userMsg := domain.Message{
		Role:        domain.RoleUser,
		Content:     text,
		Timestamp:   h.now(),
		Attachments: attachments,
	}

	window := h.selector.Select(conv.Messages, text)
	metrics.ContextMessages.Observe(float64(len(window.Selected)))
	h.logger.Debug("context selected",
		"conversation", conversationID,
		"history", len(conv.Messages),
		"selected", len(window.Selected),
		"truncated", window.Truncated,
	)

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, &domain.CompletionError{Err: err}
	}

	start := time.Now()
	resp, err := h.client.Complete(ctx, domain.CompletionRequest{
		Model:     h.model,
		MaxTokens: h.maxTokens,
		System:    window.Preamble,
		Messages:  window.ChatMessages(),
	})
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = domain.ErrEmptyCompletion
	}
	if err != nil {
		metrics.CompletionErrors.Inc()
		h.logger.Error("completion failed", "conversation", conversationID, "provider", h.client.Name(), "err", err)
		return nil, &domain.CompletionError{Err: err}
	}

	assistantMsg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   resp.Text,
		Timestamp: h.now(),
	}
	result := &TurnResult{
		ConversationID:   conversationID,
		AssistantText:    resp.Text,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Truncated:        window.Truncated,
		Usage:            resp.Usage,
	}

	if err := h.persist(ctx, conversationID, userMsg, assistantMsg); err != nil {
		metrics.StorageErrors.Inc()
		h.logger.Error("failed to save turn", "conversation", conversationID, "err", err)
		return result, err
	}
	metrics.TurnsTotal.Inc()

	h.sessions.UpdateTitle(ctx, conv, text)

	h.logger.Info("turn complete",
		"conversation", conversationID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"latency_ms", resp.LatencyMs,
	)
	return result, nil
}

// persist writes the user message before the assistant message. Stores that
// implement domain.TurnAppender write both in one step.
func (h *TurnHandler) persist(ctx context.Context, id string, user, assistant domain.Message) error {
	if ta, ok := h.store.(domain.TurnAppender); ok {
		if err := ta.AppendTurn(ctx, id, user, assistant); err != nil {
			return &domain.StorageError{Op: "append turn", ConversationID: id, Err: err}
		}
		return nil
	}
	if err := h.store.Append(ctx, id, user); err != nil {
		return &domain.StorageError{Op: "append user message", ConversationID: id, Err: err}
	}
	if err := h.store.Append(ctx, id, assistant); err != nil {
		return &domain.StorageError{Op: "append assistant message", ConversationID: id, Err: err}
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds
// or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
