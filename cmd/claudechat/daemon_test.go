package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServeArgs(t *testing.T) {
	got := strings.Join(serveArgs("/bin/claudechat", "/cfg.json", 0), " ")
	if got != "/bin/claudechat serve --config /cfg.json" {
		t.Fatalf("unexpected args %q", got)
	}
	got = strings.Join(serveArgs("/bin/claudechat", "/cfg.json", 9000), " ")
	if !strings.HasSuffix(got, "--port 9000") {
		t.Fatalf("port not passed: %q", got)
	}
}

func TestServiceFor_Systemd(t *testing.T) {
	home := t.TempDir()
	svc, err := serviceFor("linux", home, filepath.Join(home, ".claudechat"),
		serveArgs("/opt/claude chat/claudechat", "/cfg.json", 0))
	if err != nil {
		t.Fatal(err)
	}
	if svc.path != filepath.Join(home, ".config", "systemd", "user", systemdUnit) {
		t.Fatalf("unexpected unit path %s", svc.path)
	}
	if !strings.Contains(svc.body, `ExecStart="/opt/claude chat/claudechat" serve --config /cfg.json`) {
		t.Fatalf("ExecStart not quoted correctly:\n%s", svc.body)
	}
}

func TestServiceFor_Launchd(t *testing.T) {
	home := t.TempDir()
	svc, err := serviceFor("darwin", home, filepath.Join(home, ".claudechat"),
		serveArgs("/usr/local/bin/claudechat", "/a&b.json", 0))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(svc.path) != launchdLabel+".plist" {
		t.Fatalf("unexpected plist path %s", svc.path)
	}
	for _, want := range []string{"<string>serve</string>", "<string>/a&amp;b.json</string>", "claudechat-error.log"} {
		if !strings.Contains(svc.body, want) {
			t.Fatalf("plist missing %q:\n%s", want, svc.body)
		}
	}
}

func TestServiceFor_Unsupported(t *testing.T) {
	if _, err := serviceFor("plan9", t.TempDir(), t.TempDir(), nil); err == nil {
		t.Fatal("expected error for unsupported OS")
	}
}

func TestUserService_InstallUninstall(t *testing.T) {
	home := t.TempDir()
	svc, err := serviceFor("darwin", home, filepath.Join(home, "data"), serveArgs("/bin/claudechat", "/cfg.json", 0))
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := svc.install(&out); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(svc.path)
	if err != nil || string(data) != svc.body {
		t.Fatalf("service file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "data", "logs")); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !strings.Contains(out.String(), "launchctl load") {
		t.Fatalf("missing hints in %q", out.String())
	}

	if err := svc.uninstall(&out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(svc.path); !os.IsNotExist(err) {
		t.Fatal("service file should be removed")
	}
	if err := svc.uninstall(&out); err == nil || !strings.Contains(err.Error(), "no launchd service") {
		t.Fatalf("expected not-installed error, got %v", err)
	}
}
