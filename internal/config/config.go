// Package config loads and validates process-wide configuration: a JSON
// file on disk seeded with defaults, overridable by DEEMUSIC_-prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Deezer   DeezerConfig   `json:"deezer" mapstructure:"deezer"`
	Stream   StreamConfig   `json:"stream" mapstructure:"stream"`
	Download DownloadConfig `json:"download" mapstructure:"download"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// DeezerConfig holds the credential used to authenticate catalog and
// media-URL lookups.
type DeezerConfig struct {
	ARL string `json:"arl" mapstructure:"arl"`
}

// StreamConfig governs the push-pull input source and range loader: how
// long a blocking wait may run before re-checking cancellation, where
// temp files for the push-pull source live, the in-memory threshold
// below which a ring buffer could replace the temp file, and what a
// chunk decrypt failure does.
type StreamConfig struct {
	WaitQuantumMS          int    `json:"wait_quantum_ms" mapstructure:"wait_quantum_ms"`
	TempDir                string `json:"temp_dir" mapstructure:"temp_dir"`
	InMemoryThresholdBytes int64  `json:"in_memory_threshold_bytes" mapstructure:"in_memory_threshold_bytes"`
	CipherFailurePolicy    string `json:"cipher_failure_policy" mapstructure:"cipher_failure_policy"` // "passthrough" or "abort"
}

// DownloadConfig governs the background download manager.
type DownloadConfig struct {
	OutputDir           string `json:"output_dir" mapstructure:"output_dir"`
	ArtworkDir          string `json:"artwork_dir" mapstructure:"artwork_dir"`
	ConcurrentDownloads int    `json:"concurrent_downloads" mapstructure:"concurrent_downloads"`
	Quality             string `json:"quality" mapstructure:"quality"` // MP3_320 or FLAC, used for deezer tasks
	ArtworkSize         int    `json:"artwork_size" mapstructure:"artwork_size"`
	MaxRetries          int    `json:"max_retries" mapstructure:"max_retries"`
}

// NetworkConfig governs the HTTP range fetcher's timeouts.
type NetworkConfig struct {
	RequestTimeoutSeconds  int `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	ResourceTimeoutSeconds int `json:"resource_timeout_seconds" mapstructure:"resource_timeout_seconds"`
	MaxRetries             int `json:"max_retries" mapstructure:"max_retries"`
}

// LoggingConfig governs the zap/lumberjack logger.
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Load reads configuration from configPath, writing a defaulted file if
// none exists yet, applying DEEMUSIC_ environment overrides, and
// validating the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = GetConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("config: failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("config: failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("config: failed to read config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DEEMUSIC")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.Download.ConcurrentDownloads < 1 {
		return fmt.Errorf("config: concurrent downloads must be at least 1")
	}
	if c.Download.ConcurrentDownloads > 16 {
		return fmt.Errorf("config: concurrent downloads cannot exceed 16")
	}
	if c.Download.Quality != "MP3_320" && c.Download.Quality != "FLAC" {
		return fmt.Errorf("config: invalid quality %q (must be MP3_320 or FLAC)", c.Download.Quality)
	}
	if c.Download.OutputDir == "" {
		return fmt.Errorf("config: download output directory cannot be empty")
	}
	if c.Download.ArtworkSize < 0 {
		return fmt.Errorf("config: artwork size cannot be negative")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("config: download max retries cannot be negative")
	}

	if c.Stream.WaitQuantumMS < 1 {
		return fmt.Errorf("config: stream wait quantum must be at least 1ms")
	}
	if c.Stream.CipherFailurePolicy != "passthrough" && c.Stream.CipherFailurePolicy != "abort" {
		return fmt.Errorf("config: invalid cipher failure policy %q (must be passthrough or abort)", c.Stream.CipherFailurePolicy)
	}

	if c.Network.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("config: network request timeout must be at least 1 second")
	}
	if c.Network.ResourceTimeoutSeconds < c.Network.RequestTimeoutSeconds {
		return fmt.Errorf("config: network resource timeout must be at least the request timeout")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("config: network max retries cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("config: invalid log level %q (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("config: invalid log format %q (must be json or console)", c.Logging.Format)
	}
	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("config: invalid log output %q (must be file, console, or both)", c.Logging.Output)
	}
	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("config: log max size must be at least 1 MB")
	}
	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("config: log max backups cannot be negative")
	}
	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("config: log max age cannot be negative")
	}

	return nil
}

// Save writes the configuration to path as JSON.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("deezer", c.Deezer)
	v.Set("stream", c.Stream)
	v.Set("download", c.Download)
	v.Set("network", c.Network)
	v.Set("logging", c.Logging)

	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("config: failed to create config directory: %w", err)
	}
	return v.WriteConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.wait_quantum_ms", 100)
	v.SetDefault("stream.temp_dir", "")
	v.SetDefault("stream.in_memory_threshold_bytes", 8<<20)
	v.SetDefault("stream.cipher_failure_policy", "passthrough")

	v.SetDefault("download.output_dir", filepath.Join(GetDataDir(), "downloads", "tracks"))
	v.SetDefault("download.artwork_dir", filepath.Join(GetDataDir(), "downloads", "artwork"))
	v.SetDefault("download.concurrent_downloads", 2)
	v.SetDefault("download.quality", "FLAC")
	v.SetDefault("download.artwork_size", 1200)
	v.SetDefault("download.max_retries", 3)

	v.SetDefault("network.request_timeout_seconds", 30)
	v.SetDefault("network.resource_timeout_seconds", 300)
	v.SetDefault("network.max_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(GetDataDir(), "logs", "app.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// GetDataDir returns the application's root data directory.
func GetDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		appData = os.Getenv("HOME")
	}
	return filepath.Join(appData, "deemusic-go")
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

func ensureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0755)
}

// Reload re-reads configuration from configPath into the receiver.
func (c *Config) Reload(configPath string) error {
	newConfig, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("config: failed to reload config: %w", err)
	}
	*c = *newConfig
	return nil
}
