package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"claudechat/internal/config"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	cfg := config.Defaults()
	cfg.Storage.DBPath = filepath.Join(src, "data", "chat.db")
	cfg.Attachments.StoragePath = filepath.Join(src, "blobs")
	cfgPath := filepath.Join(src, "config.json")

	writeFile(t, cfgPath, `{"general":{"logLevel":"debug"}}`)
	writeFile(t, cfg.Storage.DBPath, "db")
	writeFile(t, cfg.Storage.DBPath+"-wal", "wal")
	writeFile(t, filepath.Join(cfg.Attachments.StoragePath, "abc.txt"), "blob")

	entries := backupEntries(cfgPath, cfg)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %+v", entries)
	}

	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archivePath, entries); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	targets := restoreTargets{
		configPath: filepath.Join(dst, "config.json"),
		dbPath:     filepath.Join(dst, "db", "restored.db"),
		blobDir:    filepath.Join(dst, "attachments"),
	}
	restored, err := extractTarGz(archivePath, targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 4 {
		t.Fatalf("expected 4 restored files, got %v", restored)
	}

	for path, want := range map[string]string{
		targets.configPath:                        `{"general":{"logLevel":"debug"}}`,
		targets.dbPath:                            "db",
		targets.dbPath + "-wal":                   "wal",
		filepath.Join(targets.blobDir, "abc.txt"): "blob",
	} {
		got, err := os.ReadFile(path)
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v; want %q", path, got, err, want)
		}
	}
}

func TestBackupEntries_SkipsRemoteBackends(t *testing.T) {
	src := t.TempDir()
	cfg := config.Defaults()
	cfg.Storage.Backend = "redis"
	cfg.Storage.DBPath = filepath.Join(src, "chat.db")
	cfg.Attachments.Backend = "minio"
	cfg.Attachments.StoragePath = filepath.Join(src, "blobs")
	writeFile(t, cfg.Storage.DBPath, "db")
	writeFile(t, filepath.Join(cfg.Attachments.StoragePath, "a.txt"), "a")

	if entries := backupEntries(filepath.Join(src, "missing.json"), cfg); len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}

func TestRestoreTargets_RejectsTraversal(t *testing.T) {
	targets := restoreTargets{configPath: "/c/config.json", dbPath: "/d/x.db", blobDir: "/b"}
	for _, name := range []string{"attachments/../../etc/passwd", "attachments/", "attachments/a/b", "other.txt"} {
		if _, ok := targets.targetFor(name); ok {
			t.Errorf("entry %q should be skipped", name)
		}
	}
	if p, ok := targets.targetFor("attachments/x.png"); !ok || p != filepath.Join("/b", "x.png") {
		t.Fatalf("unexpected target %q %v", p, ok)
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KB",
		5 << 20: "5.0 MB",
		3 << 30: "3.0 GB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
