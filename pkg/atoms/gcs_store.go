//go:build gcp

package atoms

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// GCSStore keeps atoms as objects named by their hex hash.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(h contracts.Hash) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + h.String() + ".atom")
}

func (s *GCSStore) Put(ctx context.Context, h contracts.Hash, canonical []byte) error {
	// DoesNotExist makes the write idempotent without a separate existence check.
	w := s.object(h).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(canonical); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, h); ok {
			return nil
		}
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, h contracts.Hash) ([]byte, error) {
	r, err := s.object(h).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", h, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, h contracts.Hash) (bool, error) {
	_, err := s.object(h).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs error: %w", err)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
