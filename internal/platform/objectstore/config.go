package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/custsat/internal/platform/env"
)

// Config addresses the S3-compatible endpoint and the artifact bucket every
// component that touches storage shares.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	ArtifactBucket string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CUSTSAT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.String("CUSTSAT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("CUSTSAT_MINIO_ACCESS_KEY", "custsat"),
		SecretKey:      env.String("CUSTSAT_MINIO_SECRET_KEY", "custsatminio"),
		Region:         env.String("CUSTSAT_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		ArtifactBucket: env.String("CUSTSAT_ARTIFACT_BUCKET", "artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.ArtifactBucket) == "" {
		return errors.New("artifact bucket is required")
	}
	return nil
}
