// Package archive renders stored conversations as transcripts.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"claudechat/internal/domain"

	"gopkg.in/yaml.v3"
)

// Supported export formats.
const (
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
)

// Formats lists the accepted format names.
var Formats = []string{FormatJSON, FormatYAML, FormatMarkdown}

// Export writes conv to w in the given format.
func Export(w io.Writer, conv *domain.Conversation, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(conv); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatMarkdown, "md":
		return writeMarkdown(w, conv)
	default:
		return fmt.Errorf("unknown export format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}

func writeMarkdown(w io.Writer, conv *domain.Conversation) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conv.Title)
	fmt.Fprintf(&sb, "_Started %s, %d messages_\n", conv.CreatedAt.UTC().Format(time.RFC1123), len(conv.Messages))

	for _, m := range conv.Messages {
		who := "You"
		if m.Role == domain.RoleAssistant {
			who = "Claude"
		}
		fmt.Fprintf(&sb, "\n## %s (%s)\n\n", who, m.Timestamp.UTC().Format(time.DateTime))
		sb.WriteString(strings.TrimRight(m.Content, "\n"))
		sb.WriteString("\n")
		if m.HasAttachments() {
			sb.WriteString("\nAttachments:\n")
			for _, a := range m.Attachments {
				fmt.Fprintf(&sb, "- %s", a.FileName)
				if a.FileType != "" {
					fmt.Fprintf(&sb, " (%s)", a.FileType)
				}
				sb.WriteString("\n")
			}
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
