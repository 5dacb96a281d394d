package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Options selects and configures an archive backend.
type Options struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// OptionsFromEnv reads the archive selection from the environment.
//
//	ISOCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	ISOCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./rawfiles)
//	ISOCORE_BLOB_S3_BUCKET: bucket, required when driver=s3
//	ISOCORE_BLOB_S3_REGION: region (default us-east-1)
//	ISOCORE_BLOB_S3_ENDPOINT: custom endpoint, e.g. MinIO
//	ISOCORE_BLOB_S3_PATH_STYLE: true|false (default false)
//
// AWS credentials come from the standard AWS_* variables.
func OptionsFromEnv() Options {
	opts := Options{
		Driver: Driver(os.Getenv("ISOCORE_BLOB_DRIVER")),
		FSRoot: os.Getenv("ISOCORE_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("ISOCORE_BLOB_S3_BUCKET"),
			Region:    os.Getenv("ISOCORE_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("ISOCORE_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("ISOCORE_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
	if opts.Driver == "" {
		opts.Driver = DriverFilesystem
	}
	return opts
}

// Open constructs the configured archive.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverFilesystem, "":
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		if opts.S3.Bucket == "" {
			return nil, fmt.Errorf("ISOCORE_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", opts.Driver)
	}
}

// OpenFromEnv is Open(ctx, OptionsFromEnv()).
func OpenFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, OptionsFromEnv())
}
