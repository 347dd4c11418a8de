package bus

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"claudechat/internal/domain"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On(EventReceiveMessage, func(e Event) {
		if e.Text != "hi" {
			t.Errorf("unexpected text %q", e.Text)
		}
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Command: EventReceiveMessage, Text: "hi"})
	eb.Emit(Event{Command: EventChatCreated})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Command: EventError})
	eb.Emit(Event{Command: EventWarning})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	first := eb.On("*", func(e Event) { atomic.AddInt32(&count, 1) })
	second := eb.On("*", func(e Event) { atomic.AddInt32(&count, 10) })
	if first == second {
		t.Fatalf("handler ids collide: %s", first)
	}

	eb.Emit(Event{Command: EventError})
	eb.Off("*", first)
	eb.Emit(Event{Command: EventError})

	if got := atomic.LoadInt32(&count); got != 21 {
		t.Errorf("expected 21 after unsubscribe, got %d", got)
	}
	if eb.HandlerCount("*") != 1 {
		t.Errorf("expected 1 handler left, got %d", eb.HandlerCount("*"))
	}

	// A handler registered after Off gets a fresh id.
	third := eb.On("*", func(Event) {})
	if third == second {
		t.Fatalf("reused handler id %s", third)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On(EventError, func(e Event) { panic("test panic") })
	eb.On(EventError, func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Command: EventError})
	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after the panicking one was not called")
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got Event
	eb.On("*", func(e Event) { got = e })
	eb.Emit(Event{Command: EventWarning})

	if got.Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestEvent_JSONShape(t *testing.T) {
	data, err := json.Marshal(Event{
		Command: EventChatLoaded,
		Chat:    &domain.Conversation{ID: "c1", Title: "Chat 1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"command":"chatLoaded"`) || !strings.Contains(s, `"chat":{"id":"c1"`) {
		t.Fatalf("unexpected JSON %s", s)
	}
	if strings.Contains(s, "text") || strings.Contains(s, "Timestamp") {
		t.Fatalf("empty fields should be omitted: %s", s)
	}
}
