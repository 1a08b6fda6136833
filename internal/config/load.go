package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "ALTSYNC"

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "altimeter-sync.db")
	v.SetDefault("state_storage.port", 3306)

	v.SetDefault("state_storage.host", "")
	v.SetDefault("state_storage.user", "")
	v.SetDefault("state_storage.password", "")
	v.SetDefault("state_storage.database", "")

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", "10s")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.insecure_skip_verify", false)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("sync.change_capture.enabled", false)
	v.SetDefault("sync.change_capture.replication_user", "")
	v.SetDefault("sync.change_capture.replication_password", "")
	v.SetDefault("logging.file", "")

	v.SetDefault("sync.poll_interval", "2s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.base_backoff", "5s")
	v.SetDefault("sync.backoff_factor", 5)
	v.SetDefault("sync.conflict_window", "5m")
	v.SetDefault("sync.auto_start", true)
	v.SetDefault("sync.change_capture.server_id", 1001)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 15m")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

// LoadConfig reads the YAML file at path (a missing file is allowed, defaults
// and ALTSYNC_* environment variables still apply) and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql":
		if c.StateStorage.Host == "" || c.StateStorage.Database == "" {
			return errors.New("state_storage: mysql requires host and database")
		}
	case "sqlite":
		if c.StateStorage.FilePath == "" {
			return errors.New("state_storage: sqlite requires file_path")
		}
	default:
		return fmt.Errorf("state_storage: unsupported type %q", c.StateStorage.Type)
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote: base_url is required")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote: timeout must be positive")
	}

	if c.Sync.PollInterval <= 0 {
		return errors.New("sync: poll_interval must be positive")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync: max_retries must be at least 1")
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.BackoffFactor < 1 {
		return errors.New("sync: base_backoff must be positive and backoff_factor at least 1")
	}
	if c.Sync.ConflictWindow <= 0 {
		return errors.New("sync: conflict_window must be positive")
	}
	if c.Sync.ChangeCapture.Enabled && c.StateStorage.Type != "mysql" {
		return errors.New("sync: change_capture requires a mysql state store")
	}

	if c.Webhook.Secret == "" && !c.Webhook.InsecureSkipVerify {
		return errors.New("webhook: secret is required (set insecure_skip_verify for development)")
	}
	return nil
}
