package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"claudechat/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.claudechat.serve"
	systemdUnit  = "claudechat.service"
)

// userService describes how the panel server is registered with the
// platform's per-user service manager.
type userService struct {
	manager string
	path    string
	body    string
	hints   []string
	logDir  string // created before install when set
}

// serveArgs is the command line the service runs.
func serveArgs(execPath, cfgPath string, port int) []string {
	args := []string{execPath, "serve", "--config", cfgPath}
	if port > 0 {
		args = append(args, "--port", strconv.Itoa(port))
	}
	return args
}

// serviceFor builds the service definition for goos. home and dataDir are
// passed in so tests can point them at a temporary directory.
func serviceFor(goos, home, dataDir string, args []string) (*userService, error) {
	switch goos {
	case "darwin":
		logDir := filepath.Join(dataDir, "logs")
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		return &userService{
			manager: "launchd",
			path:    path,
			body:    launchdPlist(args, filepath.Join(logDir, "claudechat.log"), filepath.Join(logDir, "claudechat-error.log")),
			logDir:  logDir,
			hints: []string{
				"launchctl load " + path,
				"launchctl unload " + path,
			},
		}, nil
	case "linux":
		return &userService{
			manager: "systemd",
			path:    filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			body:    systemdUnitFile(args),
			hints: []string{
				"systemctl --user daemon-reload",
				"systemctl --user enable --now claudechat",
				"journalctl --user -u claudechat -f",
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

func (s *userService) install(out io.Writer) error {
	if s.logDir != "" {
		if err := os.MkdirAll(s.logDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", s.manager, err)
	}
	if err := os.WriteFile(s.path, []byte(s.body), 0o644); err != nil {
		return fmt.Errorf("write %s service: %w", s.manager, err)
	}
	fmt.Fprintf(out, "Installed %s service: %s\n", s.manager, s.path)
	for _, h := range s.hints {
		fmt.Fprintf(out, "  %s\n", h)
	}
	return nil
}

func (s *userService) uninstall(out io.Writer) error {
	if err := os.Remove(s.path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no %s service installed at %s", s.manager, s.path)
		}
		return fmt.Errorf("remove %s service: %w", s.manager, err)
	}
	fmt.Fprintf(out, "Removed %s service: %s\n", s.manager, s.path)
	return nil
}

func currentService(port int) (*userService, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot determine executable path: %w", err)
	}
	args := serveArgs(execPath, config.ExpandPath(resolveConfigPath()), port)
	return serviceFor(runtime.GOOS, home, config.DefaultConfigDir(), args)
}

func installDaemonCmd() *cobra.Command {
	var (
		port   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run 'claudechat serve' as a user service (launchd/systemd)",
		Long:  "Writes a launchd agent or systemd user unit that starts the WebSocket panel server on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := currentService(port)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", svc.path, svc.body)
				return nil
			}
			logger.Info("installing service", "manager", svc.manager, "path", svc.path)
			return svc.install(cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "pass --port to serve")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the service file instead of writing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the claudechat user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := currentService(0)
			if err != nil {
				return err
			}
			return svc.uninstall(cmd.OutOrStdout())
		},
	}
}

func launchdPlist(args []string, stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabel + `</string>
    <key>ProgramArguments</key>
    <array>
`)
	for _, a := range args {
		fmt.Fprintf(&b, "        <string>%s</string>\n", xmlEscape(a))
	}
	b.WriteString(`    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>` + xmlEscape(stdout) + `</string>
    <key>StandardErrorPath</key>
    <string>` + xmlEscape(stderr) + `</string>
</dict>
</plist>
`)
	return b.String()
}

func systemdUnitFile(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = systemdQuote(a)
	}
	return `[Unit]
Description=claudechat panel server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=` + strings.Join(quoted, " ") + `
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace(s)
}

// systemdQuote quotes an ExecStart argument when it contains whitespace or quotes.
func systemdQuote(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
