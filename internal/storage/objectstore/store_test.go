package objectstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/custsat/internal/storage/objectstore"
	"github.com/animus-labs/custsat/internal/testutil"
)

func TestWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()

	if err := objectstore.WriteOnce(ctx, store, "artifacts", "run/train.csv", []byte("a,b\n"), "text/csv"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := objectstore.WriteOnce(ctx, store, "artifacts", "run/train.csv", []byte("a,b\n"), "text/csv"); err != nil {
		t.Fatalf("identical rewrite: %v", err)
	}
	err := objectstore.WriteOnce(ctx, store, "artifacts", "run/train.csv", []byte("c,d\n"), "text/csv")
	if !errors.Is(err, objectstore.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	got, ok := store.Object("artifacts", "run/train.csv")
	if !ok || string(got) != "a,b\n" {
		t.Fatalf("object changed: %q", got)
	}
}

func TestWriteOncePropagatesReadErrors(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	store.Seed("artifacts", "k", []byte("x"))
	boom := errors.New("boom")
	store.FailGet = func(bucket, key string) error { return boom }

	err := objectstore.WriteOnce(ctx, store, "artifacts", "k", []byte("x"), "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestReadAllMissing(t *testing.T) {
	_, err := objectstore.ReadAll(context.Background(), testutil.NewMemoryStore(), "b", "missing")
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
