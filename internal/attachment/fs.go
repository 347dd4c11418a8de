// Package attachment stores the bytes behind files attached to chat messages.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"claudechat/internal/domain"

	"github.com/google/uuid"
)

const (
	fileRefPrefix       = "file:"
	defaultMaxSizeBytes = 10 << 20
)

// ErrTooLarge is returned when an attachment exceeds the configured size limit.
var ErrTooLarge = errors.New("attachment too large")

// ErrUnknownRef is returned for content refs a store does not own.
var ErrUnknownRef = errors.New("unknown attachment reference")

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	StoragePath  string // base directory for stored attachments
	MaxSizeBytes int64
	Logger       *slog.Logger
}

// FileStore keeps attachments as flat files in one directory. Content refs
// have the form "file:<id><ext>".
type FileStore struct {
	storagePath  string
	maxSizeBytes int64
	logger       *slog.Logger
}

func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.StoragePath == "" {
		return nil, fmt.Errorf("attachment storage path is empty")
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment storage: %w", err)
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FileStore{
		storagePath:  cfg.StoragePath,
		maxSizeBytes: cfg.MaxSizeBytes,
		logger:       cfg.Logger,
	}, nil
}

// Put copies r to disk, rejecting content larger than the size limit.
func (f *FileStore) Put(ctx context.Context, conversationID, fileName, fileType string, r io.Reader) (domain.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Attachment{}, err
	}
	storageName := newObjectID() + safeExt(fileName)
	path := filepath.Join(f.storagePath, storageName)

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(out, io.LimitReader(r, f.maxSizeBytes+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("write file: %w", err)
	}
	if written > f.maxSizeBytes {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxSizeBytes)
	}

	f.logger.Info("attachment stored",
		"conversation", conversationID,
		"file", fileName,
		"size", written,
		"type", fileType,
	)
	return domain.Attachment{
		FileName:   fileName,
		FileType:   fileType,
		ContentRef: fileRefPrefix + storageName,
	}, nil
}

func (f *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (f *FileStore) Delete(ctx context.Context, ref string) error {
	path, err := f.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve maps a ref to a path inside the storage directory.
func (f *FileStore) resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, fileRefPrefix)
	if !ok || name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	return filepath.Join(f.storagePath, name), nil
}

func newObjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// safeExt returns the lowercased extension of name if it is short and plain.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 16 {
		return ""
	}
	for _, r := range ext[min(1, len(ext)):] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
