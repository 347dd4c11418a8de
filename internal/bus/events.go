// Package bus fans panel events out to the bridges attached to a panel.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"claudechat/internal/domain"
)

// Event is one panel-to-client notification. Command names the event type;
// the remaining fields are set depending on it.
type Event struct {
	Command   string                `json:"command"`
	Text      string                `json:"text,omitempty"`
	ChatID    string                `json:"chatId,omitempty"`
	Chat      *domain.Conversation  `json:"chat,omitempty"`
	Chats     []domain.Conversation `json:"chats,omitempty"`
	FileName  string                `json:"fileName,omitempty"`
	Message   string                `json:"message,omitempty"`
	Timestamp time.Time             `json:"-"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe hub. Handlers run synchronously
// in registration order.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	nextID   int
	logger   *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers. A panicking handler is
// logged and does not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Command])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Command]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Command, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Panel event types.
const (
	EventReceiveMessage = "receiveMessage"
	EventChatCreated    = "chatCreated"
	EventChatLoaded     = "chatLoaded"
	EventAllChatsLoaded = "allChatsLoaded"
	EventDeletedChat    = "deletedChat"
	EventFileAttached   = "fileAttached"
	EventError          = "error"
	EventWarning        = "warning"
)
