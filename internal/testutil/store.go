package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/animus-labs/custsat/internal/storage/objectstore"
)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore is an objectstore.Store held in memory. Fail hooks let tests
// inject errors per operation.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject

	FailGet  func(bucket, key string) error
	FailPut  func(bucket, key string) error
	FailCopy func(srcBucket, srcKey, dstBucket, dstKey string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memObject{}}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryStore) Seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectID(bucket, key)] = memObject{data: append([]byte(nil), data...), modified: time.Now().UTC()}
}

func (s *MemoryStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectID(bucket, key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s.FailPut != nil {
		if err := s.FailPut(bucket, key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: got %d want %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectID(bucket, key)] = memObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if s.FailGet != nil {
		if err := s.FailGet(bucket, key); err != nil {
			return nil, objectstore.ObjectInfo{}, err
		}
	}
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	data, _ := s.Object(bucket, key)
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectID(bucket, key)]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, objectstore.ErrNotFound)
	}
	return infoFor(key, obj), nil
}

func (s *MemoryStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (objectstore.ObjectInfo, error) {
	if s.FailCopy != nil {
		if err := s.FailCopy(srcBucket, srcKey, dstBucket, dstKey); err != nil {
			return objectstore.ObjectInfo{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.objects[objectID(srcBucket, srcKey)]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%s/%s: %w", srcBucket, srcKey, objectstore.ErrNotFound)
	}
	dst := memObject{data: append([]byte(nil), src.data...), contentType: src.contentType, modified: time.Now().UTC()}
	s.objects[objectID(dstBucket, dstKey)] = dst
	return infoFor(dstKey, dst), nil
}

func infoFor(key string, obj memObject) objectstore.ObjectInfo {
	sum := md5.Sum(obj.data)
	return objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
}
