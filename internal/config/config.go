// Package config provides the configuration structure for the voice-service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// EnvConfigPath names the environment variable that overrides the
	// configuration file location.
	EnvConfigPath = "VOICE_SERVICE_CONFIG"

	defaultConfigPath = "config.toml"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RedisConfig holds the shared store connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// QueueConfig holds the pending-queue settings.
type QueueConfig struct {
	MaxSize              int     `toml:"max_size"`
	RetentionHours       int     `toml:"retention_hours"`
	BackoffMilliseconds  int     `toml:"backoff_milliseconds"`
	AvgProcessingSeconds float64 `toml:"avg_processing_seconds"`
}

// PoolConfig holds the worker pool settings. Zero workers selects the
// detected size for the host.
type PoolConfig struct {
	Workers int `toml:"workers"`
}

// RateLimitConfig holds the fixed-window rate limit applied per client.
type RateLimitConfig struct {
	Requests      int64 `toml:"requests"`
	WindowSeconds int   `toml:"window_seconds"`
}

// PathsConfig holds the directory layout.
type PathsConfig struct {
	UploadDir   string `toml:"upload_dir"`
	OutputDir   string `toml:"output_dir"`
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Redis     RedisConfig     `toml:"redis"`
	Queue     QueueConfig     `toml:"queue"`
	Pool      PoolConfig      `toml:"pool"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Paths     PathsConfig     `toml:"paths"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Redis:  RedisConfig{Addr: "localhost:6379", Password: "", DB: 0},
		Queue: QueueConfig{
			MaxSize:              100,
			RetentionHours:       24,
			BackoffMilliseconds:  1000,
			AvgProcessingSeconds: 60,
		},
		Pool: PoolConfig{Workers: 0},
		RateLimit: RateLimitConfig{
			Requests:      10,
			WindowSeconds: 60,
		},
		Paths: PathsConfig{
			UploadDir:   "uploads",
			OutputDir:   "outputs",
			BaseLogsDir: "logs",
		},
	}
}

// Load reads the configuration file named by EnvConfigPath (falling back to
// config.toml), layering it over the defaults. A missing file yields the
// defaults.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = defaultConfigPath
	}

	return LoadFile(path)
}

// LoadFile reads one configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Retention returns the terminal-job retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionHours) * time.Hour
}

// Backoff returns the idle poller backoff interval.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Queue.BackoffMilliseconds) * time.Millisecond
}

// AvgProcessing returns the average processing time assumed by wait
// estimates.
func (c *Config) AvgProcessing() time.Duration {
	return time.Duration(c.Queue.AvgProcessingSeconds * float64(time.Second))
}

// RateLimitWindow returns the fixed rate limit window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
