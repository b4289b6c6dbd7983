package config

import (
	"path/filepath"
	"testing"
)

func validConfig(outDir string) Config {
	return Config{
		Stream: StreamConfig{
			WaitQuantumMS:       100,
			CipherFailurePolicy: "passthrough",
		},
		Download: DownloadConfig{
			Quality:             "MP3_320",
			ConcurrentDownloads: 2,
			OutputDir:           outDir,
			ArtworkSize:         1200,
		},
		Network: NetworkConfig{
			RequestTimeoutSeconds:  30,
			ResourceTimeoutSeconds: 300,
			MaxRetries:             3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "invalid quality", mutate: func(c *Config) { c.Download.Quality = "INVALID" }, wantErr: true},
		{name: "zero concurrent downloads", mutate: func(c *Config) { c.Download.ConcurrentDownloads = 0 }, wantErr: true},
		{name: "too many concurrent downloads", mutate: func(c *Config) { c.Download.ConcurrentDownloads = 100 }, wantErr: true},
		{name: "invalid cipher policy", mutate: func(c *Config) { c.Stream.CipherFailurePolicy = "ignore" }, wantErr: true},
		{name: "zero wait quantum", mutate: func(c *Config) { c.Stream.WaitQuantumMS = 0 }, wantErr: true},
		{name: "resource timeout below request timeout", mutate: func(c *Config) { c.Network.ResourceTimeoutSeconds = 5 }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig("/tmp/downloads")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg := validConfig(tmpDir)
	cfg.Download.Quality = "FLAC"

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Download.Quality != "FLAC" {
		t.Errorf("Download.Quality = %s, want FLAC", loaded.Download.Quality)
	}
	if loaded.Stream.WaitQuantumMS != 100 {
		t.Errorf("Stream.WaitQuantumMS = %d, want 100", loaded.Stream.WaitQuantumMS)
	}
	if loaded.Network.ResourceTimeoutSeconds != 300 {
		t.Errorf("Network.ResourceTimeoutSeconds = %d, want 300", loaded.Network.ResourceTimeoutSeconds)
	}
}

func TestLoadCreatesDefaultedFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Download.ConcurrentDownloads != 2 {
		t.Errorf("default ConcurrentDownloads = %d, want 2", cfg.Download.ConcurrentDownloads)
	}
	if cfg.Stream.CipherFailurePolicy != "passthrough" {
		t.Errorf("default CipherFailurePolicy = %s, want passthrough", cfg.Stream.CipherFailurePolicy)
	}
}
