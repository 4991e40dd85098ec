package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "storysave.yaml"

type Config struct {
	Version   int            `yaml:"version"`
	Story     string         `yaml:"story"`
	Storage   StorageConfig  `yaml:"storage"`
	Snapshots SnapshotConfig `yaml:"snapshots"`
	Queue     QueueConfig    `yaml:"queue"`
	Log       LogConfig      `yaml:"log"`
	HTTP      HTTPConfig     `yaml:"http"`
}

type StorageConfig struct {
	Mode    string     `yaml:"mode"`
	Backend string     `yaml:"backend"`
	DSN     string     `yaml:"dsn"`
	REST    RESTConfig `yaml:"rest"`
}

type RESTConfig struct {
	BaseURL  string        `yaml:"base_url"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
	// Routes optionally points at a YAML file overriding the default
	// endpoint table.
	Routes string `yaml:"routes"`
}

type SnapshotConfig struct {
	Driver string   `yaml:"driver"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

type QueueConfig struct {
	MaxRetries   *int           `yaml:"max_retries"`
	RetryBackoff time.Duration  `yaml:"retry_backoff"`
	Debounce     DebounceConfig `yaml:"debounce"`
}

type DebounceConfig struct {
	Content  time.Duration `yaml:"content"`
	Node     time.Duration `yaml:"node"`
	Metadata time.Duration `yaml:"metadata"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &cfg, nil
}

// Retries returns the configured retry cap, 3 when unset.
func (q QueueConfig) Retries() int {
	if q.MaxRetries == nil {
		return 3
	}
	return *q.MaxRetries
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = "server"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Backend == "sqlite" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "sqlite://./storysave.db"
	}
	if cfg.Storage.REST.Timeout == 0 {
		cfg.Storage.REST.Timeout = 10 * time.Second
	}
	if cfg.Snapshots.Driver == "" {
		cfg.Snapshots.Driver = "store"
	}
	if cfg.Snapshots.S3.Region == "" {
		cfg.Snapshots.S3.Region = "us-east-1"
	}
	if cfg.Queue.Debounce.Content == 0 {
		cfg.Queue.Debounce.Content = 2 * time.Second
	}
	if cfg.Queue.Debounce.Node == 0 {
		cfg.Queue.Debounce.Node = time.Second
	}
	if cfg.Queue.Debounce.Metadata == 0 {
		cfg.Queue.Debounce.Metadata = 500 * time.Millisecond
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8080"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Story) == "" {
		return fmt.Errorf("story id is required")
	}

	switch cfg.Storage.Mode {
	case "server", "local":
	default:
		return fmt.Errorf("unknown storage mode: %s", cfg.Storage.Mode)
	}

	switch cfg.Storage.Backend {
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage dsn is required for %s", cfg.Storage.Backend)
		}
	case "rest":
		if strings.TrimSpace(cfg.Storage.REST.BaseURL) == "" {
			return fmt.Errorf("storage rest base_url is required")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
	if cfg.Storage.REST.Timeout < 0 {
		return fmt.Errorf("storage rest timeout must not be negative")
	}

	switch cfg.Snapshots.Driver {
	case "store":
	case "s3":
		if strings.TrimSpace(cfg.Snapshots.S3.Bucket) == "" {
			return fmt.Errorf("snapshots s3 bucket is required")
		}
	default:
		return fmt.Errorf("unknown snapshots driver: %s", cfg.Snapshots.Driver)
	}

	if cfg.Queue.Retries() < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}
	if cfg.Queue.RetryBackoff < 0 {
		return fmt.Errorf("queue retry_backoff must not be negative")
	}
	d := cfg.Queue.Debounce
	if d.Content < 0 || d.Node < 0 || d.Metadata < 0 {
		return fmt.Errorf("queue debounce delays must not be negative")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", cfg.Log.Format)
	}

	return nil
}
