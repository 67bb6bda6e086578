package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Mirror.Backend != BackendFile {
		t.Errorf("Expected mirror backend %q, got %q", BackendFile, cfg.Mirror.Backend)
	}
	if cfg.Sync.RetryBackoff != 5*time.Second {
		t.Errorf("Expected 5s retry backoff, got %v", cfg.Sync.RetryBackoff)
	}
	if cfg.Sync.InLimit != 10 {
		t.Errorf("Expected in limit 10, got %d", cfg.Sync.InLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tasksync", "config.toml")

	cfg := DefaultConfig()
	cfg.Actor = "alice"
	cfg.Sync.RetryBackoff = 30 * time.Second
	cfg.Mirror.Backend = BackendSQLite
	if err := WriteDefault(path, cfg); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.Contains(string(content), "[relay]") {
		t.Errorf("Expected a [relay] table in:\n%s", content)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Actor != "alice" {
		t.Errorf("Expected actor alice, got %q", got.Actor)
	}
	if got.Sync.RetryBackoff != 30*time.Second {
		t.Errorf("Expected 30s retry backoff, got %v", got.Sync.RetryBackoff)
	}
	if got.Mirror.Backend != BackendSQLite {
		t.Errorf("Expected sqlite backend, got %q", got.Mirror.Backend)
	}
	if got.Relay.URL != cfg.Relay.URL {
		t.Errorf("Expected relay url %q, got %q", cfg.Relay.URL, got.Relay.URL)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "actor = \"bob\"\n\n[sync]\nin_limit = 5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Actor != "bob" || cfg.Sync.InLimit != 5 {
		t.Errorf("file values not applied: actor=%q in_limit=%d", cfg.Actor, cfg.Sync.InLimit)
	}
	if cfg.Sync.RetryBackoff != 5*time.Second {
		t.Errorf("Expected default retry backoff, got %v", cfg.Sync.RetryBackoff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("actor = \"bob\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKSYNC_ACTOR", "carol")
	t.Setenv("TASKSYNC_SYNC_RETRY_BACKOFF", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Actor != "carol" {
		t.Errorf("Expected env actor carol, got %q", cfg.Actor)
	}
	if cfg.Sync.RetryBackoff != 2*time.Minute {
		t.Errorf("Expected 2m retry backoff, got %v", cfg.Sync.RetryBackoff)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mirror.Backend != BackendFile {
		t.Errorf("Expected default backend, got %q", cfg.Mirror.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Mirror.Backend = "redis" }, "mirror.backend"},
		{"in limit too large", func(c *Config) { c.Sync.InLimit = 31 }, "sync.in_limit"},
		{"zero backoff", func(c *Config) { c.Sync.RetryBackoff = 0 }, "sync.retry_backoff"},
		{"bridge without token", func(c *Config) { c.Bridge.Enabled = true }, "bridge.token_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}
