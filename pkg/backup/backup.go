// Package backup writes export snapshots to a local directory or to S3
// compatible object storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lexlapax/engram/pkg/config"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
)

// Writer persists a snapshot and returns where it was written.
type Writer interface {
	Write(ctx context.Context, snapshot memory.Snapshot) (string, error)
}

// New builds the writer selected by cfg.Target.
func New(ctx context.Context, cfg config.BackupConfig) (Writer, error) {
	switch cfg.Target {
	case "", "file":
		return NewFileWriter(cfg.Dir), nil
	case "s3":
		return NewS3Writer(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported backup target: %s", cfg.Target)
	}
}

// SnapshotName is the object name of a snapshot exported at t.
func SnapshotName(t time.Time) string {
	return "engram-" + t.UTC().Format("20060102T150405.000000000Z") + ".json"
}

func encode(snapshot memory.Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// FileWriter writes snapshots as JSON files into a directory.
type FileWriter struct {
	dir string
}

// NewFileWriter creates a writer for dir. The directory is created on the
// first write.
func NewFileWriter(dir string) *FileWriter {
	if dir == "" {
		dir = "."
	}
	return &FileWriter{dir: dir}
}

// Write implements Writer. The file is written to a temporary name and
// renamed so readers never see a partial snapshot.
func (w *FileWriter) Write(ctx context.Context, snapshot memory.Snapshot) (string, error) {
	data, err := encode(snapshot)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(w.dir, SnapshotName(snapshot.ExportedAt))
	tmp, err := os.CreateTemp(w.dir, ".engram-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	log.DebugContext(ctx, "Snapshot written", "path", path, "bytes", len(data))
	return path, nil
}

// S3Writer uploads snapshots to a bucket.
type S3Writer struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Writer loads the default AWS credential chain and creates a client
// for cfg. A custom endpoint (MinIO, LocalStack) can be set together with
// path style addressing.
func NewS3Writer(ctx context.Context, cfg config.S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, errors.Validation("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3WriterWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WriterWithClient creates a writer around an existing client.
func NewS3WriterWithClient(client *s3.Client, bucket, prefix string) *S3Writer {
	return &S3Writer{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Write implements Writer and returns an s3:// URI.
func (w *S3Writer) Write(ctx context.Context, snapshot memory.Snapshot) (string, error) {
	data, err := encode(snapshot)
	if err != nil {
		return "", err
	}

	key := w.prefix + SnapshotName(snapshot.ExportedAt)
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", errors.FromContext(err))
	}

	uri := fmt.Sprintf("s3://%s/%s", w.bucket, key)
	log.DebugContext(ctx, "Snapshot uploaded", "uri", uri, "bytes", len(data))
	return uri, nil
}
