package attachment

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"claudechat/internal/config"
	"claudechat/internal/domain"
)

// Open returns the blob store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.AttachmentsConfig, logger *slog.Logger) (domain.BlobStore, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFileStore(FileStoreConfig{
			StoragePath:  config.ExpandPath(cfg.StoragePath),
			MaxSizeBytes: cfg.MaxSizeBytes,
			Logger:       logger,
		})
	case "minio":
		return NewMinIOStore(ctx, MinIOConfig{
			Endpoint:     cfg.MinIO.Endpoint,
			AccessKey:    cfg.MinIO.AccessKey,
			SecretKey:    cfg.MinIO.SecretKey,
			Bucket:       cfg.MinIO.Bucket,
			UseSSL:       cfg.MinIO.UseSSL,
			MaxSizeBytes: cfg.MaxSizeBytes,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown attachment backend %q", cfg.Backend)
	}
}

// ReadText loads an attachment fully. Callers use it to show stored files.
func ReadText(ctx context.Context, store domain.BlobStore, att domain.Attachment) (string, error) {
	rc, err := store.Open(ctx, att.ContentRef)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", att.FileName, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, defaultMaxSizeBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", att.FileName, err)
	}
	return string(b), nil
}
