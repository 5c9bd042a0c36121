// Package dataset reads the bulk id-pair and release-date CSV files, from
// local disk or from an S3-compatible bucket.
package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const s3Scheme = "s3://"

// ObjectReader is the part of the object store client the opener needs
type ObjectReader interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// ObjectWriter uploads objects to the store
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
}

// Opener opens dataset files by path. Paths of the form s3://bucket/key are
// read from the object store; anything else is a local file.
type Opener struct {
	objects ObjectReader
}

// NewOpener creates an Opener. objects may be nil when only local paths are used.
func NewOpener(objects ObjectReader) *Opener {
	return &Opener{objects: objects}
}

// Open returns a reader for path. The caller closes it.
func (o *Opener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path, s3Scheme) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open dataset: %w", err)
		}
		return f, nil
	}

	bucket, key, err := splitObjectPath(path)
	if err != nil {
		return nil, err
	}
	if o.objects == nil {
		return nil, fmt.Errorf("object store not configured for %s", path)
	}
	return o.objects.GetObject(ctx, bucket, key)
}

// Upload copies the local file at src to dest, an s3://bucket/key path
func Upload(ctx context.Context, objects ObjectWriter, src, dest string) error {
	if !strings.HasPrefix(dest, s3Scheme) {
		return fmt.Errorf("invalid object path %q: want s3://bucket/key", dest)
	}
	bucket, key, err := splitObjectPath(dest)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat dataset: %w", err)
	}
	return objects.PutObject(ctx, bucket, key, f, info.Size())
}

func splitObjectPath(path string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(path, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid object path %q: want s3://bucket/key", path)
	}
	return bucket, key, nil
}
