// Package config loads the process configuration: an optional YAML file
// overridden by ISOCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"isocore/internal/blob"
	"isocore/internal/core"
)

// Defaults.
const (
	DefaultEventBuffer      = 256
	DefaultBatchConcurrency = 4
)

// Config is the full process configuration. EventBuffer is the
// per-subscriber channel capacity of the event bus; BatchConcurrency bounds
// concurrent batch recomputation.
type Config struct {
	Storage          StorageConfig `yaml:"storage"`
	Blob             BlobConfig    `yaml:"blob"`
	LogLevel         string        `yaml:"log_level"`
	EventBuffer      int           `yaml:"event_buffer"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BlobConfig selects the raw file archive.
type BlobConfig struct {
	Driver      string `yaml:"driver"`
	FSRoot      string `yaml:"fs_root"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Storage:          StorageConfig{Driver: string(core.StorageSQLite)},
		Blob:             BlobConfig{Driver: string(blob.DriverFilesystem)},
		LogLevel:         "info",
		EventBuffer:      DefaultEventBuffer,
		BatchConcurrency: DefaultBatchConcurrency,
	}
}

// Load reads path (when non-empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("ISOCORE_STORAGE_DRIVER", &c.Storage.Driver)
	str("ISOCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("ISOCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("ISOCORE_BLOB_DRIVER", &c.Blob.Driver)
	str("ISOCORE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("ISOCORE_BLOB_S3_BUCKET", &c.Blob.S3Bucket)
	str("ISOCORE_BLOB_S3_REGION", &c.Blob.S3Region)
	str("ISOCORE_BLOB_S3_ENDPOINT", &c.Blob.S3Endpoint)
	str("ISOCORE_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("ISOCORE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		c.Blob.S3PathStyle = strings.EqualFold(v, "true")
	}

	var errs []error
	num := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
	num("ISOCORE_EVENT_BUFFER", &c.EventBuffer)
	num("ISOCORE_BATCH_CONCURRENCY", &c.BatchConcurrency)
	return errors.Join(errs...)
}

// Validate rejects unknown drivers, unknown log levels and non-positive
// sizes.
func (c Config) Validate() error {
	var errs []error
	if !core.StorageDriver(c.Storage.Driver).Valid() {
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if core.StorageDriver(c.Storage.Driver) == core.StoragePostgres && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres storage requires a dsn"))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3Bucket == "" {
			errs = append(errs, errors.New("s3 blob driver requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if _, err := core.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer))
	}
	if c.BatchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("batch_concurrency must be positive, got %d", c.BatchConcurrency))
	}
	return errors.Join(errs...)
}

// StorageOptions converts the storage section for core.OpenStore.
func (c Config) StorageOptions() core.StorageOptions {
	return core.StorageOptions{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobOptions converts the blob section for blob.Open.
func (c Config) BlobOptions() blob.Options {
	return blob.Options{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3Bucket,
			Region:    c.Blob.S3Region,
			Endpoint:  c.Blob.S3Endpoint,
			PathStyle: c.Blob.S3PathStyle,
		},
	}
}
