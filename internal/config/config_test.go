package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"isocore/internal/blob"
	"isocore/internal/core"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isocore.yaml")
	body := `
storage:
  driver: postgres
  postgres_dsn: postgres://file
blob:
  driver: s3
  s3_bucket: raw-files
  s3_region: eu-west-1
log_level: debug
batch_concurrency: 8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ISOCORE_POSTGRES_DSN", "postgres://env")
	t.Setenv("ISOCORE_BLOB_S3_PATH_STYLE", "TRUE")
	t.Setenv("ISOCORE_EVENT_BUFFER", "32")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Config{
		Storage:          StorageConfig{Driver: "postgres", PostgresDSN: "postgres://env"},
		Blob:             BlobConfig{Driver: "s3", S3Bucket: "raw-files", S3Region: "eu-west-1", S3PathStyle: true},
		LogLevel:         "debug",
		EventBuffer:      32,
		BatchConcurrency: 8,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.StorageOptions(); got.Driver != core.StoragePostgres || got.PostgresDSN != "postgres://env" {
		t.Fatalf("unexpected storage options %+v", got)
	}
	if got := cfg.BlobOptions(); got.Driver != blob.DriverS3 || !got.S3.PathStyle || got.S3.Bucket != "raw-files" {
		t.Fatalf("unexpected blob options %+v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestApplyEnvRejectsNonNumericSizes(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{"ISOCORE_BATCH_CONCURRENCY": "many"}))
	if err == nil || !strings.Contains(err.Error(), "ISOCORE_BATCH_CONCURRENCY") {
		t.Fatalf("expected parse error naming the variable, got %v", err)
	}
	if cfg.BatchConcurrency != DefaultBatchConcurrency {
		t.Fatalf("invalid value must not be applied, got %d", cfg.BatchConcurrency)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"storage", func(c *Config) { c.Storage.Driver = "bolt" }, "unknown storage driver"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "requires a dsn"},
		{"blob", func(c *Config) { c.Blob.Driver = "ftp" }, "unknown blob driver"},
		{"bucket", func(c *Config) { c.Blob.Driver = "s3" }, "requires a bucket"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"buffer", func(c *Config) { c.EventBuffer = 0 }, "event_buffer"},
		{"concurrency", func(c *Config) { c.BatchConcurrency = -1 }, "batch_concurrency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}
