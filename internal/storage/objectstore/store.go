package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound reports a missing object or bucket.
	ErrNotFound = errors.New("object not found")
	// ErrImmutable reports an attempt to replace a write-once object with different content.
	ErrImmutable = errors.New("object is immutable")
)

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Copy replaces dst with a server-side copy of src.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

func ReadAll(ctx context.Context, s Store, bucket, key string) ([]byte, error) {
	rc, _, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func PutBytes(ctx context.Context, s Store, bucket, key string, data []byte, contentType string) error {
	if err := s.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// WriteOnce stores data at key unless an object already exists there. An
// existing object with identical bytes is accepted so a retried writer stays
// idempotent; different bytes yield ErrImmutable.
func WriteOnce(ctx context.Context, s Store, bucket, key string, data []byte, contentType string) error {
	_, err := s.Stat(ctx, bucket, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return PutBytes(ctx, s, bucket, key, data, contentType)
	case err != nil:
		return fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}

	existing, err := ReadAll(ctx, s, bucket, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing, data) {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrImmutable)
	}
	return nil
}
