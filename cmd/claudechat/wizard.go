package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"claudechat/internal/config"

	"github.com/spf13/cobra"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: API key → storage → attachments → server",
		Long:  "Guides you through the Anthropic API key and model, the conversation and attachment backends, and the panel server port. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(cfg, os.Stdin, os.Stdout); err != nil {
				return err
			}
			if err := os.MkdirAll(dirOf(config.ExpandPath(cfgPath)), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'claudechat chat' for the terminal, or 'claudechat serve' for the WebSocket panel.")
			return nil
		},
	}
}

// runWizard asks for each setting on out, reading answers from in, and
// updates cfg. An empty answer keeps the value shown in brackets.
func runWizard(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	choose := func(label string, options []string, current string) (string, error) {
		def := "1"
		for i, o := range options {
			fmt.Fprintf(out, "  %d) %s\n", i+1, o)
			if o == current {
				def = strconv.Itoa(i + 1)
			}
		}
		choice, err := prompt(label, def)
		if err != nil {
			return "", err
		}
		idx, err := strconv.Atoi(choice)
		if err != nil || idx < 1 || idx > len(options) {
			idx, _ = strconv.Atoi(def)
		}
		return options[idx-1], nil
	}

	// Step 1: Anthropic
	fmt.Fprintln(out, "\n--- Step 1: Anthropic API ---")
	keyDef := cfg.Anthropic.APIKey
	if keyDef == "" {
		keyDef = "${ANTHROPIC_API_KEY}"
	}
	key, err := prompt("API key (paste key or env var)", keyDef)
	if err != nil {
		return err
	}
	cfg.Anthropic.APIKey = key
	if cfg.Anthropic.Model, err = prompt("Model", cfg.Anthropic.Model); err != nil {
		return err
	}

	// Step 2: Conversations
	fmt.Fprintln(out, "\n--- Step 2: Conversation storage ---")
	if cfg.Storage.Backend, err = choose("Backend", []string{"sqlite", "redis"}, cfg.Storage.Backend); err != nil {
		return err
	}
	if cfg.Storage.Backend == "redis" {
		if cfg.Storage.Redis.Addr, err = prompt("Redis address", cfg.Storage.Redis.Addr); err != nil {
			return err
		}
	} else {
		if cfg.Storage.DBPath, err = prompt("Database file", cfg.Storage.DBPath); err != nil {
			return err
		}
	}

	// Step 3: Attachments
	fmt.Fprintln(out, "\n--- Step 3: Attachment storage ---")
	if cfg.Attachments.Backend, err = choose("Backend", []string{"filesystem", "minio"}, cfg.Attachments.Backend); err != nil {
		return err
	}
	if cfg.Attachments.Backend == "minio" {
		m := &cfg.Attachments.MinIO
		if m.Endpoint, err = prompt("MinIO endpoint", m.Endpoint); err != nil {
			return err
		}
		if m.Bucket, err = prompt("Bucket", m.Bucket); err != nil {
			return err
		}
		if m.AccessKey, err = prompt("Access key", m.AccessKey); err != nil {
			return err
		}
		if m.SecretKey, err = prompt("Secret key", m.SecretKey); err != nil {
			return err
		}
	} else {
		if cfg.Attachments.StoragePath, err = prompt("Directory", cfg.Attachments.StoragePath); err != nil {
			return err
		}
	}

	// Step 4: Server
	fmt.Fprintln(out, "\n--- Step 4: Panel server ---")
	port, err := prompt("Port", strconv.Itoa(cfg.Server.Port))
	if err != nil {
		return err
	}
	if p, err := strconv.Atoi(port); err == nil {
		cfg.Server.Port = p
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
