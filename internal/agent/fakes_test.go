package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"claudechat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory ConversationStore that records every write.
type memStore struct {
	mu        sync.Mutex
	convs     map[string]*domain.Conversation
	seq       int
	ops       []string
	appendErr error
	failRole  string // when set, only appends of this role fail
	getErr    error
	renameErr error
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[string]*domain.Conversation)}
}

func (s *memStore) List(_ context.Context) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cp := *c
	cp.Messages = append([]domain.Message(nil), c.Messages...)
	return &cp, nil
}

func (s *memStore) Create(_ context.Context, title string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c := &domain.Conversation{
		ID:        "conv-" + strconv.Itoa(s.seq),
		Title:     title,
		CreatedAt: time.Date(2024, 1, 1, 0, s.seq, 0, 0, time.UTC),
	}
	s.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) Append(_ context.Context, id string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "append:"+msg.Role)
	if s.appendErr != nil && (s.failRole == "" || s.failRole == msg.Role) {
		return s.appendErr
	}
	c, ok := s.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.Messages = append(c.Messages, msg)
	return nil
}

func (s *memStore) Rename(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renameErr != nil {
		return s.renameErr
	}
	c, ok := s.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.Title = title
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false, nil
	}
	delete(s.convs, id)
	return true, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) messages(id string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.convs[id].Messages...)
}

func (s *memStore) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// turnStore adds the combined append-pair write.
type turnStore struct {
	*memStore
	turnErr error
}

func (s *turnStore) AppendTurn(_ context.Context, id string, user, assistant domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "append-turn")
	if s.turnErr != nil {
		return s.turnErr
	}
	c, ok := s.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.Messages = append(c.Messages, user, assistant)
	return nil
}

// fakeClient returns canned replies and records requests.
type fakeClient struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []domain.CompletionRequest
	block    chan struct{} // when set, Complete waits for it
	inFlight int
	maxSeen  int
}

func (c *fakeClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	block := c.block
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &domain.CompletionResponse{
		Text:  c.reply,
		Usage: domain.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Healthy(context.Context) error { return nil }

func (c *fakeClient) lastRequest() domain.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

var errBoom = errors.New("boom")
