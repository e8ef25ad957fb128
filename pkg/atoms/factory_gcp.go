//go:build gcp

package atoms

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ATOM_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ATOM_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket, Prefix: os.Getenv("ATOM_GCS_PREFIX")})
}
