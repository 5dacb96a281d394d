package core

import (
	"fmt"
	"io"

	"isocore/internal/infra/persistence/memory"
	"isocore/internal/infra/persistence/postgres"
	"isocore/internal/infra/persistence/sqlite"
	"isocore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

// Supported storage drivers.
const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

// Valid reports whether the driver is known.
func (d StorageDriver) Valid() bool {
	switch d {
	case StorageMemory, StorageSQLite, StoragePostgres:
		return true
	}
	return false
}

// StorageOptions selects and configures a backend.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// Store is a persistent store that may hold resources to release.
type Store interface {
	domain.PersistentStore
	io.Closer
}

type memoryCloser struct{ *memory.Store }

func (memoryCloser) Close() error { return nil }

// OpenStore constructs the configured backend. A nil engine installs the
// default integrity rules.
func OpenStore(opts StorageOptions, engine *domain.RulesEngine, storeOpts ...memory.Option) (Store, error) {
	switch opts.Driver {
	case StorageMemory:
		return memoryCloser{memory.NewStore(engine, storeOpts...)}, nil
	case StorageSQLite, "":
		s, err := sqlite.NewStore(opts.SQLitePath, engine, storeOpts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(opts.PostgresDSN, engine, storeOpts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", opts.Driver)
	}
}
