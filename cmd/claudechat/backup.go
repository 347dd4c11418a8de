package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"claudechat/internal/config"

	"github.com/spf13/cobra"
)

// Archive layout: config.json, conversations.db (+ -wal/-shm) and
// attachments/<file> for the filesystem attachment store.
const (
	backupConfigName = "config.json"
	backupDBName     = "conversations.db"
	backupBlobDir    = "attachments/"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of claudechat data (database, attachments, config)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database,
locally stored attachments and the configuration file. The backup is
timestamped by default. Redis and MinIO data are not included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("claudechat-backup-%s.tar.gz", ts))
			}

			entries := backupEntries(cfgPath, cfg)
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", cfg.Storage.DBPath, cfgPath)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				info, _ := os.Stat(e.path)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.claudechat/backups/claudechat-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore claudechat data from a backup archive",
		Long: `Restores the SQLite database, attachments and configuration file from
a .tar.gz backup archive created by 'claudechat backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: claudechat restore <file.tar.gz>")
			}

			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return err
			}
			targets := restoreTargets{
				configPath: cfgPath,
				dbPath:     cfg.Storage.DBPath,
				blobDir:    cfg.Attachments.StoragePath,
			}

			// Safety: warn before overwriting
			if !force {
				existing := false
				for _, p := range []string{targets.dbPath, targets.configPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", targets.dbPath)
					fmt.Printf("  Config:   %s\n", targets.configPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// backupEntry maps a file on disk to its name inside the archive.
type backupEntry struct {
	path string
	name string
}

func backupEntries(cfgPath string, cfg *config.Config) []backupEntry {
	var entries []backupEntry
	add := func(path, name string) {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			entries = append(entries, backupEntry{path: path, name: name})
		}
	}

	add(cfgPath, backupConfigName)
	if cfg.Storage.Backend == "sqlite" || cfg.Storage.Backend == "" {
		add(cfg.Storage.DBPath, backupDBName)
		for _, suffix := range []string{"-wal", "-shm"} {
			add(cfg.Storage.DBPath+suffix, backupDBName+suffix)
		}
	}
	if cfg.Attachments.Backend == "filesystem" || cfg.Attachments.Backend == "" {
		dirEntries, _ := os.ReadDir(cfg.Attachments.StoragePath)
		for _, de := range dirEntries {
			if de.Type().IsRegular() {
				add(filepath.Join(cfg.Attachments.StoragePath, de.Name()), backupBlobDir+de.Name())
			}
		}
	}
	return entries
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []backupEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, e backupEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	configPath string
	dbPath     string
	blobDir    string
}

// targetFor maps an archive entry name to its restore path. Unknown names are
// skipped.
func (t restoreTargets) targetFor(name string) (string, bool) {
	switch {
	case name == backupConfigName:
		return t.configPath, true
	case name == backupDBName:
		return t.dbPath, true
	case name == backupDBName+"-wal":
		return t.dbPath + "-wal", true
	case name == backupDBName+"-shm":
		return t.dbPath + "-shm", true
	case strings.HasPrefix(name, backupBlobDir):
		base := strings.TrimPrefix(name, backupBlobDir)
		if base == "" || base != filepath.Base(base) || base == ".." {
			return "", false
		}
		return filepath.Join(t.blobDir, base), true
	}
	return "", false
}

// extractTarGz extracts the known files of a backup archive.
func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, ok := targets.targetFor(header.Name)
		if !ok {
			logger.Warn("skipping unknown backup entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		mode := fs.FileMode(0o644)
		if header.Name == backupConfigName {
			mode = 0o600
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
