package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concurrency != 3 || cfg.MaxRetries != 2 {
		t.Errorf("concurrency/retries = %d/%d, want 3/2", cfg.Concurrency, cfg.MaxRetries)
	}
	if cfg.AITimeout.Duration != 10*time.Minute {
		t.Errorf("ai timeout = %v", cfg.AITimeout)
	}
	if cfg.DefaultModel != "nano-banana" {
		t.Errorf("default model = %q", cfg.DefaultModel)
	}
	if len(cfg.Brokers()) != 0 {
		t.Errorf("brokers = %v, want none", cfg.Brokers())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.toml")
	content := `
database_driver = "postgres"
database_url = "postgres://file"
batch_concurrency = 4
poll_interval = "500ms"
kafka_brokers = "k1:9092, k2:9092"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BATCH_CONCURRENCY", "6")
	t.Setenv("STALE_TASK_AGE", "15m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDriver != "postgres" || cfg.DatabaseURL != "postgres://file" {
		t.Errorf("database = %s %s", cfg.DatabaseDriver, cfg.DatabaseURL)
	}
	if cfg.Concurrency != 6 {
		t.Errorf("concurrency = %d, want env override 6", cfg.Concurrency)
	}
	if cfg.PollInterval.Duration != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.StaleTaskAge.Duration != 15*time.Minute {
		t.Errorf("stale age = %v", cfg.StaleTaskAge)
	}
	if got := cfg.Brokers(); len(got) != 2 || got[1] != "k2:9092" {
		t.Errorf("brokers = %v", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.toml")
	if err := os.WriteFile(path, []byte(`concurency = 3`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "database_driver"},
		{"concurrency too high", func(c *Config) { c.Concurrency = 11 }, "batch_concurrency"},
		{"concurrency too low", func(c *Config) { c.Concurrency = 0 }, "batch_concurrency"},
		{"s3 without endpoint", func(c *Config) { c.StorageBackend = "s3" }, "s3_endpoint"},
		{"bad format", func(c *Config) { c.OutputFormat = "gif" }, "output_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
