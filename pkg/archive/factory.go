package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects an archive implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewFromEnv builds the archive named by ARCHIVE_STORAGE_TYPE.
//
//	fs  (default)  DATA_DIR/archive
//	s3             ARCHIVE_S3_BUCKET (required), ARCHIVE_S3_REGION or
//	               AWS_REGION, ARCHIVE_S3_ENDPOINT, ARCHIVE_S3_PREFIX
//	gcs            ARCHIVE_GCS_BUCKET (required), ARCHIVE_GCS_PREFIX;
//	               needs a build with -tags gcp
func NewFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("ARCHIVE_STORAGE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "archive"))
	case BackendS3:
		bucket := os.Getenv("ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for s3 archive")
		}
		region := os.Getenv("ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", backend)
	}
}
