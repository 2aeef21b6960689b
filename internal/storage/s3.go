package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callscribe/pkg/logger"
)

const keyPrefix = "calls"

type S3Config struct {
	// Endpoint is empty for AWS and set for S3-compatible stores.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage creates a path-style S3 client for the configured bucket
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("S3 storage initialized", zap.String("bucket", cfg.Bucket))

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// UploadAudio stores a recording under key
func (s *S3Storage) UploadAudio(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audio: %w", err)
	}

	logger.Info("Audio uploaded to S3",
		zap.String("key", key),
		zap.Int("size", len(data)))

	return nil
}

// DownloadAudio reads a recording back
func (s *S3Storage) DownloadAudio(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	logger.Debug("Audio downloaded from S3",
		zap.String("key", key),
		zap.Int("size", len(data)))

	return data, nil
}

func (s *S3Storage) DeleteAudio(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete audio: %w", err)
	}

	logger.Debug("Audio deleted from S3", zap.String("key", key))
	return nil
}

// GenerateKey builds a date-partitioned object key for a call recording
func (s *S3Storage) GenerateKey(callID, extension string) string {
	return GenerateKey(time.Now(), callID, extension)
}

func GenerateKey(now time.Time, callID, extension string) string {
	if callID == "" {
		callID = uuid.NewString()
	}
	return path.Join(keyPrefix, now.UTC().Format("2006/01/02"), callID+extension)
}
