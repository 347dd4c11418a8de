package agent

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"claudechat/internal/domain"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// genericHistory returns n alternating messages whose contents share no key
// terms with the utterances used in these tests.
func genericHistory(n int) []domain.Message {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msgs[i] = domain.Message{
			Role:      role,
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
		}
	}
	return msgs
}

func containsMessage(msgs []domain.Message, want domain.Message) bool {
	for _, m := range msgs {
		if m.Content == want.Content && m.Timestamp.Equal(want.Timestamp) {
			return true
		}
	}
	return false
}

func TestSelect_EmptyHistory(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	w := s.Select(nil, "hello")

	if len(w.Selected) != 0 {
		t.Fatalf("expected no history, got %d messages", len(w.Selected))
	}
	msgs := w.ChatMessages()
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("expected only the utterance, got %+v", msgs)
	}
	if w.Truncated {
		t.Fatal("empty history must not be marked truncated")
	}
	if w.Preamble != DefaultSystemPrompt {
		t.Fatalf("expected base preamble, got %q", w.Preamble)
	}
}

func TestSelect_SingleMessageCollapsesAnchorAndRecent(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(1)
	w := s.Select(history, "hello")

	if len(w.Selected) != 1 {
		t.Fatalf("expected anchor once, got %d messages", len(w.Selected))
	}
	if w.Truncated {
		t.Fatal("nothing was dropped")
	}
}

func TestSelect_TwelveGenericMessages(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(12)
	w := s.Select(history, "hi there")

	want := []domain.Message{history[0], history[9], history[10], history[11]}
	if len(w.Selected) != len(want) {
		t.Fatalf("expected %d selected messages, got %d", len(want), len(w.Selected))
	}
	for i := range want {
		if w.Selected[i].Content != want[i].Content {
			t.Errorf("position %d: expected %q, got %q", i, want[i].Content, w.Selected[i].Content)
		}
	}
	if len(w.ChatMessages()) != 5 {
		t.Fatalf("expected 5 model messages, got %d", len(w.ChatMessages()))
	}
	if !w.Truncated {
		t.Fatal("expected truncation to be reported")
	}
	if !strings.HasSuffix(w.Preamble, truncationDisclosure) {
		t.Fatalf("preamble should disclose truncation, got %q", w.Preamble)
	}
}

func TestSelect_RelevantMatches(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(12)
	history[4].Content = "Let me explain the Goroutine scheduler"
	history[6].Content = "channels are typed conduits"

	w := s.Select(history, "how do goroutines and CHANNELS interact?")

	// "goroutines" is not a substring of "goroutine scheduler".
	if containsMessage(w.Selected, history[4]) {
		t.Error("message without a full key term must not be selected")
	}
	if !containsMessage(w.Selected, history[6]) {
		t.Error("expected case-insensitive match on 'channels'")
	}
	if len(w.Selected) != 5 {
		t.Fatalf("expected anchor + 1 relevant + 3 recent, got %d", len(w.Selected))
	}
}

func TestSelect_RelevantIgnoresShortTerms(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(12)
	history[5].Content = "the cat sat"

	w := s.Select(history, "the cat")
	if containsMessage(w.Selected, history[5]) {
		t.Fatal("terms of three characters or fewer must not match")
	}
}

func TestSelect_RelevantCappedToLastMatches(t *testing.T) {
	s := NewSelector(SelectorConfig{MaxContextMessages: 20})
	history := genericHistory(20)
	for i := 1; i < 15; i++ {
		history[i].Content = fmt.Sprintf("topic kubernetes %d", i)
	}

	w := s.Select(history, "kubernetes question")

	var matched []string
	for _, m := range w.Selected {
		if strings.HasPrefix(m.Content, "topic kubernetes") {
			matched = append(matched, m.Content)
		}
	}
	if len(matched) != DefaultMaxRelevantMessages {
		t.Fatalf("expected %d relevant messages, got %d: %v", DefaultMaxRelevantMessages, len(matched), matched)
	}
	if matched[0] != "topic kubernetes 10" || matched[len(matched)-1] != "topic kubernetes 14" {
		t.Fatalf("expected the last five matches in order, got %v", matched)
	}
}

func TestSelect_RelevantExcludesAnchorAndRecent(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(6)
	history[0].Content = "database anchor"
	history[5].Content = "database recent"

	w := s.Select(history, "database")
	if len(w.Selected) != 4 {
		t.Fatalf("expected anchor + 3 recent, got %d", len(w.Selected))
	}
	if w.Selected[0].Content != "database anchor" {
		t.Fatalf("anchor must come first, got %q", w.Selected[0].Content)
	}
}

func TestSelect_AttachmentMessagesIncluded(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(12)
	history[3].Attachments = []domain.Attachment{
		{FileName: "main.go", FileType: "text/x-go", ContentRef: "file:abc.go"},
		{FileName: "go.mod", ContentRef: "file:def.mod"},
	}

	w := s.Select(history, "hi")
	if !containsMessage(w.Selected, history[3]) {
		t.Fatal("message with attachments must be selected")
	}
	if w.Selected[1].Content != "msg 3" {
		t.Fatalf("attachment message should follow the anchor, got %q", w.Selected[1].Content)
	}

	msgs := w.ChatMessages()
	want := "msg 3\n(File attachment: main.go, go.mod)"
	if msgs[1].Content != want {
		t.Fatalf("expected rendered note %q, got %q", want, msgs[1].Content)
	}
	if history[3].Content != "msg 3" {
		t.Fatal("rendering must not modify the stored message")
	}
}

func TestSelect_PriorityOrderNotChronological(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(10)
	history[2].Content = "goroutine leak in the worker"
	history[5].Attachments = []domain.Attachment{{FileName: "trace.txt", ContentRef: "file:trace.txt"}}

	w := s.Select(history, "another goroutine question")

	want := []domain.Message{history[0], history[5], history[2], history[7], history[8], history[9]}
	if len(w.Selected) != len(want) {
		t.Fatalf("expected %d selected messages, got %d", len(want), len(w.Selected))
	}
	for i := range want {
		if w.Selected[i].Content != want[i].Content {
			t.Fatalf("position %d: got %q, want %q", i, w.Selected[i].Content, want[i].Content)
		}
	}
}

func TestSelect_DuplicateIdentityKeys(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(5)
	// Same timestamp and the same first 20 characters as message 3.
	history[4] = domain.Message{
		Role:      domain.RoleUser,
		Content:   "msg 3",
		Timestamp: history[3].Timestamp,
	}

	w := s.Select(history, "hi")
	count := 0
	for _, m := range w.Selected {
		if m.Content == "msg 3" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one copy of the duplicated message, got %d", count)
	}
	if w.Selected[len(w.Selected)-1].Role != domain.RoleAssistant {
		t.Fatal("first occurrence (message 3) must win")
	}
}

func TestSelect_IdentityUsesOnlyPrefix(t *testing.T) {
	a := domain.Message{Content: "0123456789abcdefghijXXX", Timestamp: baseTime}
	b := domain.Message{Content: "0123456789abcdefghijYYY", Timestamp: baseTime}
	if messageIdentity(a) != messageIdentity(b) {
		t.Fatal("messages differing after 20 characters must share an identity")
	}
	c := domain.Message{Content: a.Content, Timestamp: baseTime.Add(time.Second)}
	if messageIdentity(a) == messageIdentity(c) {
		t.Fatal("different timestamps must not share an identity")
	}
}

func TestSelect_BoundKeepsAnchorAndNewest(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	history := genericHistory(30)
	for i := 1; i < 27; i++ {
		history[i].Attachments = []domain.Attachment{{FileName: fmt.Sprintf("f%d.txt", i)}}
	}

	w := s.Select(history, "hi")
	if len(w.Selected) != DefaultMaxContextMessages {
		t.Fatalf("expected %d messages, got %d", DefaultMaxContextMessages, len(w.Selected))
	}
	if w.Selected[0].Content != "msg 0" {
		t.Fatalf("anchor dropped, first is %q", w.Selected[0].Content)
	}
	if last := w.Selected[len(w.Selected)-1]; last.Content != "msg 29" {
		t.Fatalf("newest message dropped, last is %q", last.Content)
	}
}

func TestSelect_Properties(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	utterances := []string{"hi", "tell me about msg numbers", "attachments please"}

	for n := 0; n <= 25; n++ {
		for _, u := range utterances {
			history := genericHistory(n)
			for i := 0; i < n; i += 4 {
				history[i].Attachments = []domain.Attachment{{FileName: "x.txt"}}
			}
			w := s.Select(history, u)

			if len(w.Selected) > DefaultMaxContextMessages {
				t.Fatalf("n=%d: bound violated: %d", n, len(w.Selected))
			}
			if n > 0 && w.Selected[0].Content != history[0].Content {
				t.Fatalf("n=%d: anchor not first", n)
			}

			seen := map[identityKey]bool{}
			for _, m := range w.Selected {
				k := messageIdentity(m)
				if seen[k] {
					t.Fatalf("n=%d: duplicate identity %v", n, k)
				}
				seen[k] = true
			}

			if n > 1 && !containsMessage(w.Selected, history[n-1]) {
				t.Fatalf("n=%d: most recent message missing", n)
			}

			excluded := len(history) > len(w.Selected)
			if excluded != strings.HasSuffix(w.Preamble, truncationDisclosure) {
				t.Fatalf("n=%d: disclosure mismatch (excluded=%v, preamble=%q)", n, excluded, w.Preamble)
			}

			msgs := w.ChatMessages()
			if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != u {
				t.Fatalf("n=%d: utterance must be last, got %+v", n, last)
			}
		}
	}
}

func TestSelect_RoleMapping(t *testing.T) {
	w := ContextWindow{
		Selected: []domain.Message{
			{Role: "assistant", Content: "a"},
			{Role: "system", Content: "b"},
		},
		Utterance: "c",
	}
	msgs := w.ChatMessages()
	if msgs[0].Role != "assistant" || msgs[1].Role != "user" {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
}

func TestNewSelector_Defaults(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	if s.recency != DefaultRecencyThreshold || s.maxContext != DefaultMaxContextMessages || s.maxRelevant != DefaultMaxRelevantMessages {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	custom := NewSelector(SelectorConfig{SystemPrompt: "Be terse."})
	if w := custom.Select(nil, "x"); w.Preamble != "Be terse." {
		t.Fatalf("expected custom preamble, got %q", w.Preamble)
	}
}

func TestKeyTerms(t *testing.T) {
	got := keyTerms("  What IS the Best way\tto sort slices?  ")
	want := []string{"what", "best", "sort", "slices?"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRunePrefix(t *testing.T) {
	if got := runePrefix("héllo wörld", 4); got != "héll" {
		t.Fatalf("expected rune-aware prefix, got %q", got)
	}
	if got := runePrefix("abc", 20); got != "abc" {
		t.Fatalf("short strings must be returned whole, got %q", got)
	}
}
