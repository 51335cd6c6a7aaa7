package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig locates the object store that audit exports go to.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

// Uploader puts one object. *Archiver implements it.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) (ObjectInfo, error)
}

// ObjectInfo describes an uploaded export.
type ObjectInfo struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Size    int64  `json:"size"`
	Entries int    `json:"entries"`
}

// Archiver uploads audit exports to S3-compatible storage.
type Archiver struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewArchiver connects to the object store and creates the bucket if it does
// not exist.
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("audit: archive endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: create archive client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("audit: check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("audit: create archive bucket: %w", err)
		}
	}
	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *Archiver) Upload(ctx context.Context, key string, r io.Reader, size int64) (ObjectInfo, error) {
	key = path.Join(a.prefix, key)
	info, err := a.client.PutObject(ctx, a.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("audit: upload %s: %w", key, err)
	}
	return ObjectInfo{Bucket: info.Bucket, Key: info.Key, Size: info.Size}, nil
}

// Export uploads the entries in [start, end] as one JSON-lines object.
func (l *Log) Export(ctx context.Context, up Uploader, start, end time.Time) (ObjectInfo, error) {
	if end.IsZero() {
		end = l.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-DefaultReportWindow)
	}
	entries, err := l.store.Read(ctx, start, end)
	if err != nil {
		return ObjectInfo{}, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return ObjectInfo{}, fmt.Errorf("audit: encode entry: %w", err)
		}
	}
	key := fmt.Sprintf("audit-%s-%s.jsonl", start.UTC().Format("20060102T150405Z"), end.UTC().Format("20060102T150405Z"))
	info, err := up.Upload(ctx, key, &buf, int64(buf.Len()))
	if err != nil {
		return ObjectInfo{}, err
	}
	info.Entries = len(entries)
	l.logger.Info().Str("key", info.Key).Int("entries", info.Entries).Int64("bytes", info.Size).Msg("audit log exported")
	return info, nil
}
