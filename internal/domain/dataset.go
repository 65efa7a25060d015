package domain

import (
	"fmt"
	"strings"
)

// DatasetRef locates a source CSV in object storage.
type DatasetRef struct {
	Bucket string
	Key    string
}

func (r DatasetRef) String() string {
	return "s3://" + r.Bucket + "/" + r.Key
}

// ParseDatasetRef accepts s3://bucket/key, gs://bucket/key or bucket/key.
func ParseDatasetRef(uri string) (DatasetRef, error) {
	raw := strings.TrimSpace(uri)
	for _, scheme := range []string{"s3://", "gs://"} {
		if strings.HasPrefix(raw, scheme) {
			raw = strings.TrimPrefix(raw, scheme)
			break
		}
	}
	if strings.Contains(raw, "://") {
		return DatasetRef{}, fmt.Errorf("unsupported dataset uri scheme: %q", uri)
	}
	bucket, key, ok := strings.Cut(raw, "/")
	if !ok || strings.TrimSpace(bucket) == "" || strings.TrimSpace(strings.Trim(key, "/")) == "" {
		return DatasetRef{}, fmt.Errorf("dataset uri must name a bucket and an object: %q", uri)
	}
	return DatasetRef{Bucket: bucket, Key: key}, nil
}
