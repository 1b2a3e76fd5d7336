package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/storage"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Query   QueryConfig   `yaml:"query"`
	Live    LiveConfig    `yaml:"live"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `yaml:"path"`
	InMemory         bool   `yaml:"in_memory"`
	RetentionDays    int    `yaml:"retention_days"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	EnableWAL        bool   `yaml:"enable_wal"`
	BatchSize        int    `yaml:"batch_size"`
}

// QueryConfig bounds list requests
type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// LiveConfig tunes subscriptions
type LiveConfig struct {
	StatusInterval time.Duration `yaml:"status_interval"`
	// SendBuffer is the number of notifications queued per connection
	// before a slow client is dropped.
	SendBuffer int `yaml:"send_buffer"`
}

// LogConfig selects log level and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":9090"),
			Timeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Path:             getEnv("STORAGE_PATH", "./data"),
			RetentionDays:    getEnvInt("RETENTION_DAYS", 30),
			Compression:      getEnv("COMPRESSION", "zstd"),
			CompressionLevel: getEnvInt("COMPRESSION_LEVEL", 3),
			EnableWAL:        getEnvBool("ENABLE_WAL", true),
			BatchSize:        getEnvInt("BATCH_SIZE", 1000),
		},
		Query: QueryConfig{
			DefaultLimit: getEnvInt("DEFAULT_LIMIT", query.DefaultLimit),
			MaxLimit:     getEnvInt("MAX_LIMIT", 1000),
		},
		Live: LiveConfig{
			StatusInterval: time.Second,
			SendBuffer:     16,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		InMemory:         c.Storage.InMemory,
		RetentionDays:    c.Storage.RetentionDays,
		Compression:      c.Storage.Compression,
		CompressionLevel: c.Storage.CompressionLevel,
		EnableWAL:        c.Storage.EnableWAL,
		BatchSize:        c.Storage.BatchSize,
	}
}

// Limits returns the list request bounds
func (c *Config) Limits() query.Limits {
	return query.Limits{Default: c.Query.DefaultLimit, Max: c.Query.MaxLimit}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}

	if _, err := storage.ParseCodec(c.Storage.Compression); err != nil {
		return err
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Storage.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}

	if c.Query.DefaultLimit < 1 {
		return fmt.Errorf("default limit must be at least 1")
	}

	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", c.Query.DefaultLimit, c.Query.MaxLimit)
	}

	if c.Live.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be positive")
	}

	if c.Live.SendBuffer < 1 {
		return fmt.Errorf("send buffer must be at least 1")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
