// Package config loads tasksync settings from a TOML file and TASKSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"github.com/spf13/viper"
)

// Mirror backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the full tasksync configuration.
type Config struct {
	// Actor is the signed-in user id.
	Actor string `toml:"actor" yaml:"actor" mapstructure:"actor"`

	Relay  RelayConfig  `toml:"relay" yaml:"relay" mapstructure:"relay"`
	Mirror MirrorConfig `toml:"mirror" yaml:"mirror" mapstructure:"mirror"`
	Sync   SyncConfig   `toml:"sync" yaml:"sync" mapstructure:"sync"`
	Bridge BridgeConfig `toml:"bridge" yaml:"bridge" mapstructure:"bridge"`
	Log    LogConfig    `toml:"log" yaml:"log" mapstructure:"log"`
}

// RelayConfig locates the relay, for clients, and configures it, for serve.
type RelayConfig struct {
	URL    string `toml:"url" yaml:"url" mapstructure:"url"`
	Listen string `toml:"listen" yaml:"listen" mapstructure:"listen"`
	DB     string `toml:"db" yaml:"db" mapstructure:"db"`
}

// MirrorConfig configures the local cache of persisted views.
type MirrorConfig struct {
	Backend  string `toml:"backend" yaml:"backend" mapstructure:"backend"`
	Dir      string `toml:"dir" yaml:"dir" mapstructure:"dir"`
	MaxBytes int    `toml:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`
}

// SyncConfig tunes subscriptions.
type SyncConfig struct {
	RetryBackoff time.Duration `toml:"retry_backoff" yaml:"retry_backoff" mapstructure:"retry_backoff"`
	InLimit      int           `toml:"in_limit" yaml:"in_limit" mapstructure:"in_limit"`
}

// BridgeConfig enables the external task list bridge.
type BridgeConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled" mapstructure:"enabled"`
	TokenFile string `toml:"token_file" yaml:"token_file" mapstructure:"token_file"`
}

// LogConfig sends logs to a rotated file instead of stderr.
type LogConfig struct {
	File       string `toml:"file" yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:    "ws://127.0.0.1:8377/ws",
			Listen: "127.0.0.1:8377",
			DB:     filepath.Join(".tasksync", "relay.db"),
		},
		Mirror: MirrorConfig{
			Backend:  BackendFile,
			Dir:      filepath.Join(".tasksync", "mirror"),
			MaxBytes: 1 << 20,
		},
		Sync: SyncConfig{
			RetryBackoff: 5 * time.Second,
			InLimit:      10,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// ProjectConfigPath returns the path to the project config file
func ProjectConfigPath() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ".tasksync", "config.toml")
}

// GlobalConfigPath returns the path to the per-user config file
func GlobalConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tasksync", "config.toml")
}

// Load reads path, or the first config file found in the project and global
// locations when path is empty. Missing files leave the defaults in place;
// TASKSYNC_* variables override file values (TASKSYNC_SYNC_IN_LIMIT sets
// sync.in_limit).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("TASKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		for _, candidate := range []string{ProjectConfigPath(), GlobalConfigPath()} {
			if candidate == "" {
				continue
			}
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("actor", d.Actor)
	v.SetDefault("relay.url", d.Relay.URL)
	v.SetDefault("relay.listen", d.Relay.Listen)
	v.SetDefault("relay.db", d.Relay.DB)
	v.SetDefault("mirror.backend", d.Mirror.Backend)
	v.SetDefault("mirror.dir", d.Mirror.Dir)
	v.SetDefault("mirror.max_bytes", d.Mirror.MaxBytes)
	v.SetDefault("sync.retry_backoff", d.Sync.RetryBackoff)
	v.SetDefault("sync.in_limit", d.Sync.InLimit)
	v.SetDefault("bridge.enabled", d.Bridge.Enabled)
	v.SetDefault("bridge.token_file", d.Bridge.TokenFile)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Mirror.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("mirror.backend: unknown backend %q (want file, sqlite or memory)", c.Mirror.Backend)
	}
	if c.Mirror.MaxBytes < 0 {
		return fmt.Errorf("mirror.max_bytes: must not be negative")
	}
	if c.Sync.RetryBackoff <= 0 {
		return fmt.Errorf("sync.retry_backoff: must be positive")
	}
	if c.Sync.InLimit < 1 || c.Sync.InLimit > 30 {
		return fmt.Errorf("sync.in_limit: must be between 1 and 30, got %d", c.Sync.InLimit)
	}
	if c.Bridge.Enabled && c.Bridge.TokenFile == "" {
		return fmt.Errorf("bridge.token_file: required when the bridge is enabled")
	}
	return nil
}

// WriteDefault writes cfg as TOML to path, creating parent directories.
func WriteDefault(path string, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# tasksync configuration\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(b.String())); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
