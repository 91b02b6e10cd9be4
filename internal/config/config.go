// Package config loads gateway configuration from defaults, an
// optional config file, and DUKASYNC_* environment variables.
package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	// ListenPort is the local port the gateway serves on.
	ListenPort int `mapstructure:"listen_port"`

	// RemoteURL is the base URL of the backend API.
	RemoteURL string `mapstructure:"remote_url"`

	// DBPath is the SQLite database file path.
	DBPath string `mapstructure:"db_path"`

	// DistDir is the built UI bundle directory. Empty disables
	// precaching.
	DistDir string `mapstructure:"dist_dir"`

	// CacheVersion namespaces cache records. Bumping it invalidates
	// every previously cached response at startup.
	CacheVersion string `mapstructure:"cache_version"`

	// BundlePath is the script path embedded in the fallback shell.
	BundlePath string `mapstructure:"bundle_path"`

	// RulesFile optionally overrides the built-in classification rules.
	RulesFile string `mapstructure:"rules_file"`

	// NetworkTimeout bounds individual upstream fetches.
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`

	// ReplayTimeout bounds individual replayed operations.
	ReplayTimeout time.Duration `mapstructure:"replay_timeout"`

	// ReplayInterval is the periodic replay cadence.
	ReplayInterval time.Duration `mapstructure:"replay_interval"`

	// ProbeInterval is the connectivity probe cadence.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// MaxAttempts bounds retries per queued operation.
	MaxAttempts int `mapstructure:"max_attempts"`

	// PriorityOverrides maps entity types to priority names,
	// overriding the built-in sale/product/customer ranking.
	PriorityOverrides map[string]string `mapstructure:"priority_overrides"`

	// LogFile enables rotating file logging when set.
	LogFile string `mapstructure:"log_file"`

	// LogMaxSizeMB is the rotation threshold (default: 10).
	LogMaxSizeMB int `mapstructure:"log_max_size_mb"`

	// LogMaxBackups is the number of rotated files kept (default: 3).
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// setDefaults registers every key on a viper instance. Keys without a
// meaningful default still need registering so environment-only values
// survive Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("remote_url", "")
	v.SetDefault("dist_dir", "")
	v.SetDefault("rules_file", "")
	v.SetDefault("log_file", "")
	v.SetDefault("priority_overrides", map[string]string{})
	v.SetDefault("listen_port", 8384)
	v.SetDefault("db_path", ".dukasync/cache.db")
	v.SetDefault("cache_version", "v1")
	v.SetDefault("bundle_path", "/assets/index.js")
	v.SetDefault("network_timeout", 4*time.Second)
	v.SetDefault("replay_timeout", 10*time.Second)
	v.SetDefault("replay_interval", 2*time.Minute)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)
}

// Load reads configuration from the given file (optional; empty path
// skips file loading) layered under DUKASYNC_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DUKASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for startup-blocking problems.
func (c *Config) Validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.Parse(c.RemoteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote_url %q is not a valid absolute URL", c.RemoteURL)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d is out of range", c.ListenPort)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.CacheVersion == "" {
		return fmt.Errorf("cache_version must not be empty")
	}
	return nil
}

// Remote returns the parsed backend base URL. Validate must have
// passed.
func (c *Config) Remote() *url.URL {
	u, _ := url.Parse(c.RemoteURL)
	return u
}

// Watch reloads the config file on change and invokes onChange with
// each valid new configuration. Invalid edits are logged and skipped
// so a typo never takes the running gateway down.
func Watch(path string, logger *log.Logger, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("config watch requires a config file path")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Printf("Ignoring config change (%s): %v", e.Name, err)
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Printf("Ignoring invalid config change (%s): %v", e.Name, err)
			return
		}
		logger.Printf("Config reloaded from %s", e.Name)
		onChange(&cfg)
	})
	v.WatchConfig()

	return nil
}
