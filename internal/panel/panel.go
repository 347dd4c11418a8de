// Package panel holds the chat panel: the current conversation, staged
// attachments and the command handlers that bridges drive.
package panel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"claudechat/internal/agent"
	"claudechat/internal/attachment"
	"claudechat/internal/bus"
	"claudechat/internal/domain"
)

// Command names accepted by Handle.
const (
	CmdSendMessage   = "sendMessage"
	CmdCreateNewChat = "createNewChat"
	CmdLoadChat      = "loadChat"
	CmdGetAllChats   = "getAllChats"
	CmdDeleteChat    = "deleteChat"
	CmdAttachFile    = "attachFile"
)

// Command is one client-to-panel request. FileContent is base64 encoded.
type Command struct {
	Command     string `json:"command"`
	Text        string `json:"text,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	FileContent string `json:"fileContent,omitempty"`
}

type Config struct {
	Sessions *agent.SessionManager
	Turns    *agent.TurnHandler
	Blobs    domain.BlobStore // nil disables attachFile
	Logger   *slog.Logger
}

// Panel is a single chat view. Every failure is reported to subscribers as an
// error or warning event; Handle itself never returns one.
type Panel struct {
	sessions *agent.SessionManager
	turns    *agent.TurnHandler
	blobs    domain.BlobStore
	events   *bus.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	current  string
	staged   []domain.Attachment
	disposed bool
}

// New opens a panel on the most recent conversation, creating one when the
// store is empty.
func New(ctx context.Context, cfg Config) (*Panel, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	conv, err := cfg.Sessions.MostRecentOrCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("open panel: %w", err)
	}
	cfg.Logger.Info("panel opened", "conversation", conv.ID, "title", conv.Title)
	return &Panel{
		sessions: cfg.Sessions,
		turns:    cfg.Turns,
		blobs:    cfg.Blobs,
		events:   bus.NewEventBus(cfg.Logger),
		logger:   cfg.Logger,
		current:  conv.ID,
	}, nil
}

// CurrentID returns the id of the conversation messages are sent to.
func (p *Panel) CurrentID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Current loads the current conversation.
func (p *Panel) Current(ctx context.Context) (*domain.Conversation, error) {
	return p.sessions.Get(ctx, p.CurrentID())
}

// Staged returns the attachments that the next message will carry.
func (p *Panel) Staged() []domain.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Attachment(nil), p.staged...)
}

// Subscribe registers fn for every event. The returned func removes it.
func (p *Panel) Subscribe(fn bus.EventHandler) (unsubscribe func()) {
	id := p.events.On("*", fn)
	return func() { p.events.Off("*", id) }
}

// Handle runs one command and reports the outcome as events.
func (p *Panel) Handle(ctx context.Context, cmd Command) {
	p.mu.Lock()
	disposed := p.disposed
	p.mu.Unlock()
	if disposed {
		p.logger.Warn("command on disposed panel", "command", cmd.Command)
		return
	}

	p.logger.Debug("panel command", "command", cmd.Command, "chat_id", cmd.ChatID)
	switch cmd.Command {
	case CmdSendMessage:
		p.sendMessage(ctx, cmd.Text)
	case CmdCreateNewChat:
		p.createNewChat(ctx)
	case CmdLoadChat:
		p.loadChat(ctx, cmd.ChatID)
	case CmdGetAllChats:
		p.getAllChats(ctx)
	case CmdDeleteChat:
		p.deleteChat(ctx, cmd.ChatID)
	case CmdAttachFile:
		p.attachFile(ctx, cmd.FileName, cmd.FileType, cmd.FileContent)
	default:
		p.logger.Warn("unknown panel command", "command", cmd.Command)
		p.emitError(fmt.Sprintf("Unknown command: %q", cmd.Command))
	}
}

// Dispose detaches the panel and discards staged attachments.
func (p *Panel) Dispose(ctx context.Context) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	staged := p.staged
	p.staged = nil
	p.mu.Unlock()

	p.discard(ctx, staged)
	p.logger.Info("panel disposed")
}

func (p *Panel) sendMessage(ctx context.Context, text string) {
	p.mu.Lock()
	id := p.current
	staged := p.staged
	p.staged = nil
	p.mu.Unlock()

	res, err := p.turns.SubmitTurn(ctx, id, text, staged...)

	var storageErr *domain.StorageError
	var completionErr *domain.CompletionError
	switch {
	case err == nil:
		p.emit(bus.Event{Command: bus.EventReceiveMessage, Text: res.AssistantText, ChatID: id})
	case res != nil && errors.As(err, &storageErr):
		p.emit(bus.Event{Command: bus.EventReceiveMessage, Text: res.AssistantText, ChatID: id})
		p.emit(bus.Event{Command: bus.EventWarning, ChatID: id, Message: "The reply could not be saved: " + storageErr.Err.Error()})
	case errors.Is(err, domain.ErrEmptyUtterance):
		p.restage(id, staged)
		p.emitError("Message is empty")
	case errors.Is(err, domain.ErrConversationNotFound):
		p.discard(ctx, staged)
		p.emitError("Chat not found")
	case errors.As(err, &completionErr):
		p.restage(id, staged)
		p.emitError("Error communicating with Claude: " + completionErr.Err.Error())
	default:
		p.restage(id, staged)
		p.emitError("Error sending message: " + err.Error())
	}
}

// restage puts attachments back when a message could not be sent and the
// panel still points at the same conversation.
func (p *Panel) restage(id string, atts []domain.Attachment) {
	if len(atts) == 0 {
		return
	}
	p.mu.Lock()
	if p.current == id && !p.disposed {
		p.staged = append(atts, p.staged...)
		atts = nil
	}
	p.mu.Unlock()
	p.discard(context.Background(), atts)
}

func (p *Panel) createNewChat(ctx context.Context) {
	conv, err := p.sessions.Create(ctx)
	if err != nil {
		p.emitError("Error creating new chat: " + err.Error())
		return
	}
	p.switchTo(ctx, conv.ID)
	p.emit(bus.Event{Command: bus.EventChatCreated, Chat: conv, ChatID: conv.ID})
}

func (p *Panel) loadChat(ctx context.Context, id string) {
	conv, err := p.sessions.Get(ctx, id)
	if errors.Is(err, domain.ErrConversationNotFound) {
		p.emitError("Chat not found")
		return
	}
	if err != nil {
		p.emitError("Error loading chat: " + err.Error())
		return
	}
	p.switchTo(ctx, conv.ID)
	p.logger.Info("chat loaded", "conversation", conv.ID, "messages", len(conv.Messages))
	p.emit(bus.Event{Command: bus.EventChatLoaded, Chat: conv, ChatID: conv.ID})
}

func (p *Panel) getAllChats(ctx context.Context) {
	convs, err := p.sessions.List(ctx)
	if err != nil {
		p.emitError("Error loading chats: " + err.Error())
		return
	}
	p.emit(bus.Event{Command: bus.EventAllChatsLoaded, Chats: convs})
}

// deleteChat removes a conversation and the files its messages carried.
// When it was the current one the panel moves to the most recent remaining
// conversation, or a new one.
func (p *Panel) deleteChat(ctx context.Context, id string) {
	var stored []domain.Attachment
	if conv, err := p.sessions.Get(ctx, id); err == nil {
		for _, m := range conv.Messages {
			stored = append(stored, m.Attachments...)
		}
	}

	removed, err := p.sessions.Delete(ctx, id)
	if err != nil {
		p.emitError("Error deleting chat: " + err.Error())
		return
	}
	if !removed {
		p.emitError("Chat not found")
		return
	}
	p.discard(ctx, stored)
	p.emit(bus.Event{Command: bus.EventDeletedChat, ChatID: id})

	if p.CurrentID() != id {
		return
	}
	next, err := p.sessions.MostRecentOrCreate(ctx)
	if err != nil {
		p.emitError("Error opening another chat: " + err.Error())
		return
	}
	p.switchTo(ctx, next.ID)
	p.emit(bus.Event{Command: bus.EventChatLoaded, Chat: next, ChatID: next.ID})
}

func (p *Panel) attachFile(ctx context.Context, name, fileType, content string) {
	if p.blobs == nil {
		p.emitError("Attachments are not enabled")
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		p.emitError("File name is empty")
		return
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		p.emitError("Invalid file content for " + name)
		return
	}

	id := p.CurrentID()
	att, err := p.blobs.Put(ctx, id, name, fileType, bytes.NewReader(data))
	if errors.Is(err, attachment.ErrTooLarge) {
		p.emitError(fmt.Sprintf("File %s is too large", name))
		return
	}
	if err != nil {
		p.emitError("Error attaching file: " + err.Error())
		return
	}

	p.mu.Lock()
	p.staged = append(p.staged, att)
	p.mu.Unlock()
	p.emit(bus.Event{Command: bus.EventFileAttached, FileName: name, ChatID: id})
}

// switchTo makes id current. Attachments staged for another conversation
// are discarded.
func (p *Panel) switchTo(ctx context.Context, id string) {
	p.mu.Lock()
	var dropped []domain.Attachment
	if p.current != id {
		dropped = p.staged
		p.staged = nil
	}
	p.current = id
	p.mu.Unlock()
	p.discard(ctx, dropped)
}

func (p *Panel) discard(ctx context.Context, atts []domain.Attachment) {
	if p.blobs == nil {
		return
	}
	for _, a := range atts {
		if err := p.blobs.Delete(ctx, a.ContentRef); err != nil {
			p.logger.Warn("failed to discard attachment", "file", a.FileName, "err", err)
		}
	}
}

func (p *Panel) emit(e bus.Event) {
	p.events.Emit(e)
}

func (p *Panel) emitError(msg string) {
	p.logger.Warn("panel error", "message", msg)
	p.events.Emit(bus.Event{Command: bus.EventError, Message: msg})
}
