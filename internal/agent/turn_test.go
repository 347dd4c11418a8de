package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"claudechat/internal/domain"
)

func newTestHandler(store domain.ConversationStore, client *fakeClient) *TurnHandler {
	tick := baseTime
	var mu sync.Mutex
	return NewTurnHandler(TurnHandlerConfig{
		Store:  store,
		Client: client,
		Logger: testLogger(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick = tick.Add(time.Second)
			return tick
		},
	})
}

func TestSubmitTurn_FirstTurn(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	client := &fakeClient{reply: "Hi! How can I help?"}
	h := newTestHandler(store, client)

	res, err := h.SubmitTurn(context.Background(), conv.ID, "hello")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.AssistantText != "Hi! How can I help?" {
		t.Fatalf("unexpected reply %q", res.AssistantText)
	}

	req := client.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" || req.Messages[0].Role != domain.RoleUser {
		t.Fatalf("expected only the utterance to be sent, got %+v", req.Messages)
	}
	if req.System != DefaultSystemPrompt {
		t.Fatalf("expected base preamble, got %q", req.System)
	}
	if req.Model != DefaultModel || req.MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected model settings: %s/%d", req.Model, req.MaxTokens)
	}

	msgs := store.messages(conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "hello" {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Hi! How can I help?" {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Fatal("user message must be timestamped before the reply")
	}
}

func TestSubmitTurn_UserAppendPrecedesAssistant(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	h := newTestHandler(store, &fakeClient{reply: "ok"})

	for i := 0; i < 3; i++ {
		if _, err := h.SubmitTurn(context.Background(), conv.ID, "question"); err != nil {
			t.Fatal(err)
		}
	}
	ops := store.opLog()
	if len(ops) != 6 {
		t.Fatalf("expected 6 appends, got %v", ops)
	}
	for i := 0; i < len(ops); i += 2 {
		if ops[i] != "append:user" || ops[i+1] != "append:assistant" {
			t.Fatalf("appends out of order: %v", ops)
		}
	}
}

func TestSubmitTurn_UsesTurnAppender(t *testing.T) {
	store := &turnStore{memStore: newMemStore()}
	conv, _ := store.Create(context.Background(), "Chat 1")
	h := newTestHandler(store, &fakeClient{reply: "ok"})

	if _, err := h.SubmitTurn(context.Background(), conv.ID, "hi"); err != nil {
		t.Fatal(err)
	}
	ops := store.opLog()
	if len(ops) != 1 || ops[0] != "append-turn" {
		t.Fatalf("expected one combined write, got %v", ops)
	}
	msgs := store.messages(conv.ID)
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("unexpected stored messages %+v", msgs)
	}
}

func TestSubmitTurn_EmptyUtterance(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	client := &fakeClient{reply: "ok"}
	h := newTestHandler(store, client)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := h.SubmitTurn(context.Background(), conv.ID, text)
		if !errors.Is(err, domain.ErrEmptyUtterance) {
			t.Fatalf("%q: expected ErrEmptyUtterance, got %v", text, err)
		}
	}
	if len(client.requests) != 0 {
		t.Fatal("no request should be sent for empty input")
	}
	if len(store.opLog()) != 0 {
		t.Fatal("nothing should be stored for empty input")
	}
}

func TestSubmitTurn_UnknownConversation(t *testing.T) {
	h := newTestHandler(newMemStore(), &fakeClient{reply: "ok"})
	_, err := h.SubmitTurn(context.Background(), "missing", "hello")
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSubmitTurn_SnapshotReadFailure(t *testing.T) {
	store := newMemStore()
	store.getErr = errBoom
	h := newTestHandler(store, &fakeClient{reply: "ok"})

	_, err := h.SubmitTurn(context.Background(), "conv-1", "hello")
	var se *domain.StorageError
	if !errors.As(err, &se) || se.Op != "get" {
		t.Fatalf("expected get StorageError, got %v", err)
	}
}

func TestSubmitTurn_CompletionFailurePersistsNothing(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	h := newTestHandler(store, &fakeClient{err: errBoom})

	res, err := h.SubmitTurn(context.Background(), conv.ID, "hello")
	if res != nil {
		t.Fatal("expected no result on completion failure")
	}
	var ce *domain.CompletionError
	if !errors.As(err, &ce) || !errors.Is(err, errBoom) {
		t.Fatalf("expected CompletionError wrapping boom, got %v", err)
	}
	if len(store.messages(conv.ID)) != 0 {
		t.Fatal("history must be unchanged after a failed completion")
	}
}

func TestSubmitTurn_EmptyCompletionPersistsNothing(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	h := newTestHandler(store, &fakeClient{reply: "  \n"})

	res, err := h.SubmitTurn(context.Background(), conv.ID, "hello")
	var ce *domain.CompletionError
	if res != nil || !errors.As(err, &ce) || !errors.Is(err, domain.ErrEmptyCompletion) {
		t.Fatalf("expected CompletionError wrapping ErrEmptyCompletion, got (%v, %v)", res, err)
	}
	if len(store.messages(conv.ID)) != 0 {
		t.Fatal("an empty reply must not be stored")
	}
}

func TestSubmitTurn_StorageFailureAfterCompletion(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	store.appendErr = errBoom
	store.failRole = domain.RoleAssistant
	h := newTestHandler(store, &fakeClient{reply: "the answer"})

	res, err := h.SubmitTurn(context.Background(), conv.ID, "hello")
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if se.ConversationID != conv.ID {
		t.Fatalf("unexpected conversation id %q", se.ConversationID)
	}
	if res == nil || res.AssistantText != "the answer" {
		t.Fatal("reply must still be returned with the storage error")
	}
	msgs := store.messages(conv.ID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user message to be stored, got %+v", msgs)
	}
}

func TestSubmitTurn_UserAppendFailureSkipsAssistant(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	store.appendErr = errBoom
	h := newTestHandler(store, &fakeClient{reply: "ok"})

	_, err := h.SubmitTurn(context.Background(), conv.ID, "hello")
	var se *domain.StorageError
	if !errors.As(err, &se) || se.Op != "append user message" {
		t.Fatalf("expected user append failure, got %v", err)
	}
	if ops := store.opLog(); len(ops) != 1 {
		t.Fatalf("assistant append must be skipped, got %v", ops)
	}
}

func TestSubmitTurn_LongHistoryDisclosesTruncation(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	for _, m := range genericHistory(12) {
		_ = store.Append(context.Background(), conv.ID, m)
	}
	client := &fakeClient{reply: "ok"}
	h := newTestHandler(store, client)

	res, err := h.SubmitTurn(context.Background(), conv.ID, "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("expected the turn to report truncation")
	}
	req := client.lastRequest()
	if len(req.Messages) != 5 {
		t.Fatalf("expected anchor + 3 recent + utterance, got %d", len(req.Messages))
	}
	if !strings.HasSuffix(req.System, truncationDisclosure) {
		t.Fatalf("expected disclosure in preamble, got %q", req.System)
	}
}

func TestSubmitTurn_AttachmentsStoredWithUserMessage(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	client := &fakeClient{reply: "ok"}
	h := newTestHandler(store, client)

	att := domain.Attachment{FileName: "notes.txt", FileType: "text/plain", ContentRef: "file:1.txt"}
	if _, err := h.SubmitTurn(context.Background(), conv.ID, "see file", att); err != nil {
		t.Fatal(err)
	}
	msgs := store.messages(conv.ID)
	if len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].FileName != "notes.txt" {
		t.Fatalf("attachment not stored: %+v", msgs[0])
	}

	if _, err := h.SubmitTurn(context.Background(), conv.ID, "and then?"); err != nil {
		t.Fatal(err)
	}
	req := client.lastRequest()
	if !strings.Contains(req.Messages[0].Content, "(File attachment: notes.txt)") {
		t.Fatalf("expected attachment note in context, got %q", req.Messages[0].Content)
	}
}

func TestSubmitTurn_RetitlesDefaultTitle(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	h := newTestHandler(store, &fakeClient{reply: "ok"})

	if _, err := h.SubmitTurn(context.Background(), conv.ID, "How do I sort a slice?"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(context.Background(), conv.ID)
	if got.Title != "How do I sort a slice?" {
		t.Fatalf("expected title from first message, got %q", got.Title)
	}

	if _, err := h.SubmitTurn(context.Background(), conv.ID, "Something else"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(context.Background(), conv.ID)
	if got.Title != "How do I sort a slice?" {
		t.Fatalf("title must only be derived once, got %q", got.Title)
	}
}

func TestSubmitTurn_KeepsCustomTitle(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Release notes")
	h := newTestHandler(store, &fakeClient{reply: "ok"})

	if _, err := h.SubmitTurn(context.Background(), conv.ID, "draft them"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(context.Background(), conv.ID)
	if got.Title != "Release notes" {
		t.Fatalf("custom title overwritten: %q", got.Title)
	}
}

func TestSubmitTurn_SerializesSameConversation(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	client := &fakeClient{reply: "ok", block: make(chan struct{})}
	h := newTestHandler(store, client)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.SubmitTurn(context.Background(), conv.ID, "question"); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(client.block)
	wg.Wait()

	if client.maxSeen != 1 {
		t.Fatalf("expected one request in flight per conversation, saw %d", client.maxSeen)
	}
	if n := len(store.messages(conv.ID)); n != 6 {
		t.Fatalf("expected 6 messages, got %d", n)
	}
	// Each turn must see the previous turn's messages.
	for i, req := range client.requests {
		if len(req.Messages) != 2*i+1 {
			t.Fatalf("request %d saw %d messages, want %d", i, len(req.Messages), 2*i+1)
		}
	}
}

func TestSubmitTurn_DifferentConversationsRunConcurrently(t *testing.T) {
	store := newMemStore()
	a, _ := store.Create(context.Background(), "Chat 1")
	b, _ := store.Create(context.Background(), "Chat 2")
	client := &fakeClient{reply: "ok", block: make(chan struct{})}
	h := newTestHandler(store, client)

	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := h.SubmitTurn(context.Background(), id, "question"); err != nil {
				t.Error(err)
			}
		}(id)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		seen := client.maxSeen
		client.mu.Unlock()
		if seen == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(client.block)
	wg.Wait()

	if client.maxSeen != 2 {
		t.Fatalf("expected both conversations in flight, saw %d", client.maxSeen)
	}
}

func TestSubmitTurn_CancelledContext(t *testing.T) {
	store := newMemStore()
	conv, _ := store.Create(context.Background(), "Chat 1")
	client := &fakeClient{reply: "ok", block: make(chan struct{})}
	h := newTestHandler(store, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.SubmitTurn(ctx, conv.ID, "hello")
	var ce *domain.CompletionError
	if !errors.As(err, &ce) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled completion, got %v", err)
	}
	if len(store.messages(conv.ID)) != 0 {
		t.Fatal("nothing should be stored after cancellation")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	if len(k.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(k.locks))
	}
}
