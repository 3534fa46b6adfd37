package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sentiment-pipeline/internal/config"
)

// Storage persists a generated export and returns where it can be downloaded.
type Storage interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewStorage returns an S3 uploader when a bucket is configured, otherwise a local directory uploader.
func NewStorage(ctx context.Context, cfg config.Config) (Storage, error) {
	if cfg.ExportS3Bucket == "" {
		baseDir := cfg.ExportOutputDir
		if baseDir == "" {
			baseDir = "./exports"
		}
		return &LocalStorage{BaseDir: baseDir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Storage{client: client, bucket: cfg.ExportS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ExportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ExportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ExportS3Endpoint)
		}
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

// LocalStorage writes exports under BaseDir.
type LocalStorage struct {
	BaseDir string
}

func (l *LocalStorage) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.Clean("/"+key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Storage puts exports into a bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

func (s *S3Storage) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
