package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/unioneyes/claimsync/internal/models"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api"`

	// Storage paths
	Storage StorageConfig `json:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync"`

	// Offline queue behavior
	Queue QueueConfig `json:"queue"`

	// Network monitoring
	Network NetworkConfig `json:"network"`

	// Logging
	Log LogConfig `json:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL       string        `json:"base_url"`
	RealtimeURL   string        `json:"realtime_url,omitempty"` // defaults to BaseURL-derived ws endpoint
	Timeout       time.Duration `json:"timeout"`
	UploadTimeout time.Duration `json:"upload_timeout"`
	UserAgent     string        `json:"user_agent"`
}

// StorageConfig for local data paths.
type StorageConfig struct {
	DataDir      string `json:"data_dir"`      // Base directory for all data
	DatabaseFile string `json:"database_file"` // SQLite entity database
	KeyFile      string `json:"key_file"`      // Credential encryption key
	TokenFile    string `json:"token_file"`    // Encrypted auth token
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	Interval         time.Duration `json:"interval"`            // Auto-sync interval
	BatchSize        int           `json:"batch_size"`          // Push batch size
	WifiOnlyForLarge bool          `json:"wifi_only_for_large"` // Gate large pulls to WiFi
	Background       bool          `json:"background"`          // Enable background timer
	Realtime         bool          `json:"realtime"`            // Subscribe to change feed
}

// QueueConfig for offline operation retry behavior.
type QueueConfig struct {
	MaxRetries        int           `json:"max_retries"`
	InitialBackoff    time.Duration `json:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// NetworkConfig for connectivity monitoring.
type NetworkConfig struct {
	ProbeURL      string        `json:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // Log file path (empty = stdout)
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".claimsync"

	return &Config{
		API: APIConfig{
			BaseURL:       "https://api.unioneyes.com",
			Timeout:       30 * time.Second,
			UploadTimeout: 2 * time.Minute,
			UserAgent:     "claimsync/1.0",
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			DatabaseFile: filepath.Join(dataDir, "claimsync.db"),
			KeyFile:      filepath.Join(dataDir, "credentials.key"),
			TokenFile:    filepath.Join(dataDir, "token.bin"),
		},
		Sync: SyncConfig{
			Interval:         5 * time.Minute,
			BatchSize:        50,
			WifiOnlyForLarge: true,
			Background:       true,
			Realtime:         false,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			InitialBackoff:    time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2,
		},
		Network: NetworkConfig{
			ProbeURL:      "https://www.google.com/generate_204",
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", models.ErrInvalidConfig)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be positive", models.ErrInvalidConfig)
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("%w: sync.batch_size must be positive", models.ErrInvalidConfig)
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("%w: queue.max_retries must not be negative", models.ErrInvalidConfig)
	}

	if c.Queue.InitialBackoff <= 0 {
		return fmt.Errorf("%w: queue.initial_backoff must be positive", models.ErrInvalidConfig)
	}

	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: queue.backoff_multiplier must be >= 1", models.ErrInvalidConfig)
	}

	if c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("%w: network.probe_interval must be positive", models.ErrInvalidConfig)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("%w: unknown log level %q", models.ErrInvalidConfig, c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("%w: unknown log format %q", models.ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DatabaseFile),
		filepath.Dir(c.Storage.KeyFile),
		filepath.Dir(c.Storage.TokenFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
