// Package blob is the raw file archive facade. Callers depend on Store and
// the constructors here; the backends live under internal/infra/blob.
package blob

import (
	"context"
	"path"
	"strings"

	"isocore/internal/blob/core"
	"isocore/internal/infra/blob/fs"
	memorystore "isocore/internal/infra/blob/memory"
	infraS3 "isocore/internal/infra/blob/s3"
)

type (
	// Driver identifies an archive backend.
	Driver = core.Driver
	// PutOptions configures an archive write.
	PutOptions = core.PutOptions
	// Info describes an archived raw file.
	Info = core.Info
	// Store is the archive interface.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

// Archive drivers.
const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// Archive errors, matched with errors.Is.
var (
	ErrNotFound   = core.ErrNotFound
	ErrExists     = core.ErrExists
	ErrInvalidKey = core.ErrInvalidKey
)

// NewMemory returns an in-memory archive.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem returns an archive rooted at root.
func NewFilesystem(root string) (Store, error) {
	s, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewS3 returns an S3 backed archive.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewFakeS3 returns an S3 archive served by an in-process fake bucket.
func NewFakeS3(ctx context.Context) (Store, error) {
	s, _, err := infraS3.NewFake(ctx, 0)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RawFileKey is the archive key of a raw file:
// raw/<instrument>/<raw file id>/<base name>.
func RawFileKey(instrumentID, rawFileID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = "data"
	}
	return path.Join("raw", instrumentID, rawFileID, base)
}

// InstrumentPrefix is the List prefix covering an instrument's raw files.
func InstrumentPrefix(instrumentID string) string {
	return "raw/" + instrumentID + "/"
}
