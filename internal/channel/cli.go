package channel

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"claudechat/internal/bus"
	"claudechat/internal/domain"
	"claudechat/internal/panel"
)

const cliHelp = `Commands:
  /new            start a new conversation
  /list           list conversations
  /load <n|id>    open a conversation by list number or id
  /delete <n|id>  delete a conversation
  /attach <path>  attach a file to the next message
  /help           show this help
  /quit           exit`

// CLI is an interactive terminal bridge to the panel.
type CLI struct {
	registry *panel.Registry
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	spinner  bool

	outMu     sync.Mutex
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}

	listMu  sync.Mutex
	listing []string // ids from the last /list, for numeric references
}

type CLIConfig struct {
	Registry *panel.Registry
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	Spinner  bool // animate while waiting for a reply
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		registry: cfg.Registry,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		spinner:  cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Run runs the REPL until EOF, /quit or ctx cancellation.
func (c *CLI) Run(ctx context.Context) error {
	p, err := c.registry.Show(ctx)
	if err != nil {
		return err
	}
	defer c.registry.Dispose(context.WithoutCancel(ctx))

	unsubscribe := p.Subscribe(c.render)
	defer unsubscribe()

	c.println("claudechat. Type your message and press Enter. Type /help for commands.")
	if conv, err := p.Current(ctx); err == nil {
		c.printf("Conversation: %s (%d messages)\n", conv.Title, len(conv.Messages))
	}
	c.prompt()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			c.prompt()
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, p, line); quit {
				c.logger.Info("user requested quit")
				return nil
			}
			c.prompt()
			continue
		}

		c.startThinking()
		p.Handle(ctx, panel.Command{Command: panel.CmdSendMessage, Text: line})
		c.stopThinking()
		c.prompt()
	}
}

// command runs a slash command and reports whether the REPL should exit.
func (c *CLI) command(ctx context.Context, p *panel.Panel, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		c.println(cliHelp)
	case "/new":
		p.Handle(ctx, panel.Command{Command: panel.CmdCreateNewChat})
	case "/list":
		p.Handle(ctx, panel.Command{Command: panel.CmdGetAllChats})
	case "/load", "/delete":
		if arg == "" {
			c.printf("Usage: %s <n|id>\n", name)
			return false
		}
		cmd := panel.CmdLoadChat
		if name == "/delete" {
			cmd = panel.CmdDeleteChat
		}
		p.Handle(ctx, panel.Command{Command: cmd, ChatID: c.resolveID(arg)})
	case "/attach":
		if arg == "" {
			c.println("Usage: /attach <path>")
			return false
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			c.printf("Error: %v\n", err)
			return false
		}
		p.Handle(ctx, panel.Command{
			Command:     panel.CmdAttachFile,
			FileName:    filepath.Base(arg),
			FileType:    mime.TypeByExtension(filepath.Ext(arg)),
			FileContent: base64.StdEncoding.EncodeToString(data),
		})
	default:
		c.printf("Unknown command %s. Type /help for commands.\n", name)
	}
	return false
}

// resolveID maps a number from the last /list to its conversation id.
func (c *CLI) resolveID(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	c.listMu.Lock()
	defer c.listMu.Unlock()
	if n < 1 || n > len(c.listing) {
		return arg
	}
	return c.listing[n-1]
}

func (c *CLI) render(e bus.Event) {
	switch e.Command {
	case bus.EventReceiveMessage:
		c.stopThinking()
		c.printf("\n--- Claude ---\n%s\n--------------\n", e.Text)
	case bus.EventChatCreated:
		c.printf("Started %s\n", e.Chat.Title)
	case bus.EventChatLoaded:
		c.printf("Opened %s (%d messages)\n", e.Chat.Title, len(e.Chat.Messages))
		c.printTranscript(e.Chat.Messages)
	case bus.EventAllChatsLoaded:
		c.printListing(e.Chats)
	case bus.EventDeletedChat:
		c.printf("Deleted %s\n", e.ChatID)
	case bus.EventFileAttached:
		c.printf("Attached %s. It will be sent with your next message.\n", e.FileName)
	case bus.EventWarning:
		c.stopThinking()
		c.printf("Warning: %s\n", e.Message)
	case bus.EventError:
		c.stopThinking()
		c.printf("Error: %s\n", e.Message)
	}
}

// printTranscript shows the tail of a loaded conversation.
func (c *CLI) printTranscript(msgs []domain.Message) {
	const tail = 6
	if len(msgs) > tail {
		c.printf("  ... %d earlier messages\n", len(msgs)-tail)
		msgs = msgs[len(msgs)-tail:]
	}
	for _, m := range msgs {
		who := "You"
		if m.Role == domain.RoleAssistant {
			who = "Claude"
		}
		c.printf("  %s: %s\n", who, oneLine(m.Content, 100))
	}
}

func (c *CLI) printListing(convs []domain.Conversation) {
	ids := make([]string, len(convs))
	for i, conv := range convs {
		ids[i] = conv.ID
	}
	c.listMu.Lock()
	c.listing = ids
	c.listMu.Unlock()

	if len(convs) == 0 {
		c.println("No conversations.")
		return
	}
	current := ""
	if p := c.registry.Active(); p != nil {
		current = p.CurrentID()
	}
	for i, conv := range convs {
		marker := " "
		if conv.ID == current {
			marker = "*"
		}
		c.printf("%s %2d. %-40s %s  %d messages\n", marker, i+1, oneLine(conv.Title, 40),
			conv.CreatedAt.Local().Format(time.DateTime), len(conv.Messages))
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}

func (c *CLI) prompt() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, "You> ")
}

func (c *CLI) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	stop, done := c.thinkStop, c.thinkDone
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				c.printf("\r\033[K")
				return
			case <-ticker.C:
				c.printf("\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	if !c.thinking {
		c.thinkMu.Unlock()
		return
	}
	c.thinking = false
	close(c.thinkStop)
	done := c.thinkDone
	c.thinkMu.Unlock()
	<-done
}
