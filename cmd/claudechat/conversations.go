package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"claudechat/internal/agent"
	"claudechat/internal/archive"
	"claudechat/internal/domain"

	"github.com/spf13/cobra"
)

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}
	cmd.AddCommand(convListCmd(), convShowCmd(), convNewCmd(), convRenameCmd(), convDeleteCmd(), convExportCmd())
	return cmd
}

// withSessions opens the configured store for one command.
func withSessions(fn func(ctx context.Context, sm *agent.SessionManager) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, agent.NewSessionManager(store, logger))
}

func convListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, sm *agent.SessionManager) error {
				convs, err := sm.List(ctx)
				if err != nil {
					return err
				}
				if len(convs) == 0 {
					fmt.Println("No conversations.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tCREATED\tMESSAGES")
				for _, c := range convs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.ID, c.Title, c.CreatedAt.Local().Format(time.DateTime), len(c.Messages))
				}
				return tw.Flush()
			})
		},
	}
}

func convShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, sm *agent.SessionManager) error {
				conv, err := sm.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return archive.Export(os.Stdout, conv, archive.FormatMarkdown)
			})
		},
	}
}

func convNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create an empty conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, sm *agent.SessionManager) error {
				conv, err := sm.Create(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", conv.ID, conv.Title)
				return nil
			})
		},
	}
}

func convRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename [id] [title]",
		Short: "Change a conversation title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, sm *agent.SessionManager) error {
				return sm.Rename(ctx, args[0], args[1])
			})
		},
	}
}

func convDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, sm *agent.SessionManager) error {
				removed, err := sm.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return domain.ErrConversationNotFound
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func convExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export a conversation as json, yaml or markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, sm *agent.SessionManager) error {
				conv, err := sm.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return archive.Export(os.Stdout, conv, format)
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if err := archive.Export(f, conv, format); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				logger.Info("conversation exported", "conversation", conv.ID, "format", format, "file", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", archive.FormatMarkdown, "json, yaml or markdown")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
