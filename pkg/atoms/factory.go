package atoms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// NewStoreFromEnv picks a backend from the environment.
//
//   - ATOM_STORAGE_TYPE: "fs" (default), "memory", "s3" or "gcs"
//   - DATA_DIR: base directory for fs (default "data")
//   - ATOM_S3_BUCKET (required), ATOM_S3_REGION or AWS_REGION, ATOM_S3_ENDPOINT, ATOM_S3_PREFIX
//   - ATOM_GCS_BUCKET (required), ATOM_GCS_PREFIX; needs -tags gcp
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("ATOM_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "atoms"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported atom storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ATOM_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ATOM_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("ATOM_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ATOM_S3_ENDPOINT"),
		Prefix:   os.Getenv("ATOM_S3_PREFIX"),
	})
}
