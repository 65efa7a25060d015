// Package serving loads the production model once at process start.
package serving

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/custsat/internal/forest"
	"github.com/animus-labs/custsat/internal/storage/objectstore"
)

var ErrNoModel = errors.New("no deployed model")

// Deployment is either Loaded with a model or Unavailable with a reason.
// It never changes after construction.
type Deployment struct {
	model    *forest.Forest
	reason   string
	source   string
	loadedAt time.Time
}

func Loaded(model *forest.Forest, source string) Deployment {
	if model == nil {
		return Unavailable("model is nil")
	}
	return Deployment{model: model, source: source, loadedAt: time.Now().UTC()}
}

func Unavailable(reason string) Deployment {
	return Deployment{reason: reason}
}

// Load reads and decodes the production artifact. Any failure yields an
// Unavailable deployment; the process keeps running and reports it.
func Load(ctx context.Context, store objectstore.Store, bucket, key string) Deployment {
	source := bucket + "/" + key
	data, err := objectstore.ReadAll(ctx, store, bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return Unavailable(fmt.Sprintf("no production model at %s", source))
		}
		return Unavailable(fmt.Sprintf("read %s: %v", source, err))
	}
	model, err := forest.Decode(bytes.NewReader(data))
	if err != nil {
		return Unavailable(fmt.Sprintf("decode %s: %v", source, err))
	}
	return Loaded(model, source)
}

func (d Deployment) Available() bool {
	return d.model != nil
}

func (d Deployment) Reason() string {
	return d.reason
}

func (d Deployment) Source() string {
	return d.source
}

func (d Deployment) LoadedAt() time.Time {
	return d.loadedAt
}

func (d Deployment) Predict(X [][]float64) ([]float64, error) {
	if d.model == nil {
		return nil, ErrNoModel
	}
	return d.model.Predict(X)
}
