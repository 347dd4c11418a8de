package agent

import (
	"strings"
	"time"
	"unicode/utf8"

	"claudechat/internal/domain"
)

const (
	// DefaultRecencyThreshold is how many trailing messages are always kept.
	DefaultRecencyThreshold = 3
	// DefaultMaxContextMessages bounds the selected history, anchor included.
	DefaultMaxContextMessages = 10
	// DefaultMaxRelevantMessages caps keyword matches taken from the middle of the history.
	DefaultMaxRelevantMessages = 5

	// Key terms must be longer than this many characters.
	minKeyTermLength = 3
	// Length of the content prefix that, with the timestamp, identifies a message.
	identityPrefixLength = 20

	DefaultSystemPrompt = "You are a helpful AI assistant integrated into VSCodium. " +
		"Help users with coding tasks, explanations, and general development questions."

	truncationDisclosure = " Some earlier messages of this conversation were left out to keep the " +
		"context short. Keep continuity with the messages you can see."
)

// Selector picks the slice of a conversation that accompanies a new
// utterance. It keeps the first message (the anchor), every message with
// attachments, the last few messages that mention a key term of the
// utterance, and the most recent messages, then bounds the result.
// Select is pure and safe for concurrent use.
type Selector struct {
	recency      int
	maxContext   int
	maxRelevant  int
	systemPrompt string
}

// SelectorConfig tunes a Selector. Zero values fall back to the defaults.
type SelectorConfig struct {
	RecencyThreshold    int
	MaxContextMessages  int
	MaxRelevantMessages int
	SystemPrompt        string
}

func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.RecencyThreshold <= 0 {
		cfg.RecencyThreshold = DefaultRecencyThreshold
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = DefaultMaxContextMessages
	}
	if cfg.MaxRelevantMessages <= 0 {
		cfg.MaxRelevantMessages = DefaultMaxRelevantMessages
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Selector{
		recency:      cfg.RecencyThreshold,
		maxContext:   cfg.MaxContextMessages,
		maxRelevant:  cfg.MaxRelevantMessages,
		systemPrompt: cfg.SystemPrompt,
	}
}

// ContextWindow is the prompt material for one turn. It is built fresh per
// request and never stored.
type ContextWindow struct {
	// Selected holds history messages in priority order: anchor, messages
	// with attachments, relevant messages, then the recent window. It is not
	// necessarily chronological.
	Selected  []domain.Message
	Utterance string
	Preamble  string
	// Truncated is set when at least one history message was left out.
	Truncated bool
}

// Select builds the context window for utterance. history may be empty;
// utterance is expected to be validated by the caller.
func (s *Selector) Select(history []domain.Message, utterance string) ContextWindow {
	var candidates []domain.Message
	if len(history) > 0 {
		candidates = append(candidates, history[0])
	}
	for _, m := range history {
		if m.HasAttachments() {
			candidates = append(candidates, m)
		}
	}
	candidates = append(candidates, s.relevant(history, utterance)...)
	candidates = append(candidates, s.recent(history)...)

	selected := s.bound(dedupe(candidates))
	truncated := len(history) > len(selected)

	return ContextWindow{
		Selected:  selected,
		Utterance: utterance,
		Preamble:  s.preamble(truncated),
		Truncated: truncated,
	}
}

func (s *Selector) recent(history []domain.Message) []domain.Message {
	start := len(history) - s.recency
	if start < 0 {
		start = 0
	}
	return history[start:]
}

// relevant scans the history between the anchor and the recent window for
// messages containing any key term of the utterance.
func (s *Selector) relevant(history []domain.Message, utterance string) []domain.Message {
	terms := keyTerms(utterance)
	if len(terms) == 0 {
		return nil
	}
	end := len(history) - s.recency
	if end <= 1 {
		return nil
	}

	var matches []domain.Message
	for _, m := range history[1:end] {
		content := strings.ToLower(m.Content)
		for _, term := range terms {
			if strings.Contains(content, term) {
				matches = append(matches, m)
				break
			}
		}
	}
	if len(matches) > s.maxRelevant {
		matches = matches[len(matches)-s.maxRelevant:]
	}
	return matches
}

// bound keeps the first message and the newest maxContext-1 after it.
func (s *Selector) bound(msgs []domain.Message) []domain.Message {
	if len(msgs) <= s.maxContext {
		return msgs
	}
	out := make([]domain.Message, 0, s.maxContext)
	out = append(out, msgs[0])
	out = append(out, msgs[len(msgs)-(s.maxContext-1):]...)
	return out
}

func (s *Selector) preamble(truncated bool) string {
	if truncated {
		return s.systemPrompt + truncationDisclosure
	}
	return s.systemPrompt
}

// keyTerms returns the lowercased whitespace tokens of text longer than
// minKeyTermLength characters.
func keyTerms(text string) []string {
	var terms []string
	for _, tok := range strings.Fields(text) {
		if utf8.RuneCountInString(tok) > minKeyTermLength {
			terms = append(terms, strings.ToLower(tok))
		}
	}
	return terms
}

type identityKey struct {
	timestamp string
	prefix    string
}

func messageIdentity(m domain.Message) identityKey {
	return identityKey{
		timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		prefix:    runePrefix(m.Content, identityPrefixLength),
	}
}

// dedupe drops every message whose identity key was already seen. Order is preserved.
func dedupe(msgs []domain.Message) []domain.Message {
	seen := make(map[identityKey]struct{}, len(msgs))
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		key := messageIdentity(m)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

func runePrefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ChatMessages renders the window for the completion client: selected history
// with attachment notes, then the utterance as the final user message.
func (w ContextWindow) ChatMessages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(w.Selected)+1)
	for _, m := range w.Selected {
		out = append(out, domain.ChatMessage{
			Role:    modelRole(m.Role),
			Content: renderContent(m),
		})
	}
	return append(out, domain.ChatMessage{Role: domain.RoleUser, Content: w.Utterance})
}

func modelRole(role string) string {
	if role == domain.RoleAssistant {
		return domain.RoleAssistant
	}
	return domain.RoleUser
}

func renderContent(m domain.Message) string {
	if !m.HasAttachments() {
		return m.Content
	}
	names := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		names[i] = a.FileName
	}
	return m.Content + "\n(File attachment: " + strings.Join(names, ", ") + ")"
}
