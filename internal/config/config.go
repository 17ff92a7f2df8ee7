// Package config holds the boa server configuration, loaded from a YAML
// file with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Database    DatabaseConfig   `yaml:"database"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Locking     LockConfig       `yaml:"locking"`
	Worker      WorkerConfig     `yaml:"worker"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CheckpointConfig controls surrogate state snapshots.
type CheckpointConfig struct {
	Dir        string `yaml:"dir"`
	KeepLatest int    `yaml:"keep_latest"`
}

// LockConfig controls the campaign write lock.
type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WorkerConfig controls the background job worker.
type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleJobAge  time.Duration `yaml:"stale_job_age"`
	Concurrency  int           `yaml:"concurrency"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	Path       string          `yaml:"path"`
	JSON       bool            `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database:    DatabaseConfig{Path: "boa.db"},
		Checkpoints: CheckpointConfig{Dir: "checkpoints", KeepLatest: 3},
		Locking: LockConfig{
			TTL:           30 * time.Second,
			SweepInterval: time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			StaleJobAge:  24 * time.Hour,
			Concurrency:  1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Environment variables BOA_DB and BOA_LOG_LEVEL
// override the corresponding fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if db := os.Getenv("BOA_DB"); db != "" {
		cfg.Database.Path = db
	}
	if lvl := os.Getenv("BOA_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	if cfg.Locking.TTL <= 0 {
		cfg.Locking.TTL = 30 * time.Second
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = time.Second
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}

	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
