package config

import (
	"time"
)

type Config struct {
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Remote       RemoteConfig    `mapstructure:"remote"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Webhook      WebhookConfig   `mapstructure:"webhook"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

// RemoteConfig points at the Altimeter API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	PollInterval   time.Duration       `mapstructure:"poll_interval"`
	MaxRetries     int                 `mapstructure:"max_retries"`
	BaseBackoff    time.Duration       `mapstructure:"base_backoff"`
	BackoffFactor  int                 `mapstructure:"backoff_factor"`
	ConflictWindow time.Duration       `mapstructure:"conflict_window"`
	AutoStart      bool                `mapstructure:"auto_start"`
	ChangeCapture  ChangeCaptureConfig `mapstructure:"change_capture"`
}

// ChangeCaptureConfig enables the binlog listener on the tasks table.
// Only meaningful with a MySQL state store.
type ChangeCaptureConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	ServerID            uint32 `mapstructure:"server_id"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type WebhookConfig struct {
	Secret             string `mapstructure:"secret"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}
