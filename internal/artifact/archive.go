// Package artifact copies completed workflow graphs to durable storage.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
)

// Uploader stores one object and returns its URI.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes workflow results under workflows/<job id>.json.
type Archiver struct {
	up Uploader
}

// New chooses an uploader: S3 when a bucket is configured, else a local
// directory when one is set. It returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArtifactS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewWithUploader(&s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}), nil
	case cfg.ArtifactDir != "":
		return NewWithUploader(&localUploader{baseDir: cfg.ArtifactDir}), nil
	}
	return nil, nil
}

// NewWithUploader wraps an explicit uploader.
func NewWithUploader(up Uploader) *Archiver {
	return &Archiver{up: up}
}

// ArchiveWorkflow stores g for jobID and returns the object URI.
func (a *Archiver) ArchiveWorkflow(ctx context.Context, jobID string, g models.WorkflowGraph) (string, error) {
	body, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	key := sanitizeKey(filepath.Join("workflows", jobID+".json"))
	uri, err := a.up.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return uri, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
