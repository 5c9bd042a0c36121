package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3-compatible object store configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Client represents an S3-compatible object store client
type Client struct {
	client *minio.Client
	logger *slog.Logger
}

// NewClient creates a new object store client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	logger.Info("Object store client created",
		slog.String("endpoint", config.Endpoint),
		slog.Bool("ssl", config.UseSSL),
	)

	return &Client{client: client, logger: logger}, nil
}

// GetObject opens bucket/key for streaming reads
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}

	// GetObject is lazy; Stat surfaces a missing object before the first read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// PutObject uploads r to bucket/key
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}
