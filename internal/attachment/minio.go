package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"claudechat/internal/domain"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const minioRefPrefix = "minio:"

type MinIOConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UseSSL       bool
	MaxSizeBytes int64
	Logger       *slog.Logger
}

// MinIOStore keeps attachments in an S3-compatible bucket. Objects are keyed
// "<conversationID>/<id><ext>" and refs have the form "minio:<bucket>/<key>".
type MinIOStore struct {
	client       *minio.Client
	bucket       string
	maxSizeBytes int64
	logger       *slog.Logger
}

// NewMinIOStore connects to the endpoint and creates the bucket if needed.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		cfg.Logger.Info("created attachment bucket", "bucket", cfg.Bucket)
	}

	return &MinIOStore{
		client:       client,
		bucket:       cfg.Bucket,
		maxSizeBytes: cfg.MaxSizeBytes,
		logger:       cfg.Logger,
	}, nil
}

// Put buffers the content to enforce the size limit, then uploads it.
func (m *MinIOStore) Put(ctx context.Context, conversationID, fileName, fileType string, r io.Reader) (domain.Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, m.maxSizeBytes+1))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > m.maxSizeBytes {
		return domain.Attachment{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, m.maxSizeBytes)
	}

	object := objectKey(conversationID, fileName)
	opts := minio.PutObjectOptions{ContentType: fileType}
	if _, err := m.client.PutObject(ctx, m.bucket, object, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload %s: %w", object, err)
	}

	m.logger.Info("attachment uploaded",
		"conversation", conversationID,
		"file", fileName,
		"bucket", m.bucket,
		"object", object,
		"size", len(data),
	)
	return domain.Attachment{
		FileName:   fileName,
		FileType:   fileType,
		ContentRef: minioRefPrefix + m.bucket + "/" + object,
	}, nil
}

func (m *MinIOStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, object, err := parseMinIORef(ref)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", object, err)
	}
	return obj, nil
}

func (m *MinIOStore) Delete(ctx context.Context, ref string) error {
	bucket, object, err := parseMinIORef(ref)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", object, err)
	}
	return nil
}

func objectKey(conversationID, fileName string) string {
	dir := conversationID
	if dir == "" || strings.ContainsAny(dir, "/\\") {
		dir = "unsorted"
	}
	return path.Join(dir, newObjectID()+safeExt(fileName))
}

func parseMinIORef(ref string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(ref, minioRefPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	return bucket, object, nil
}
