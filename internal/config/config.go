// Package config loads the nstore configuration file.
package config

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// DataDir holds one store folder per user.
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`
	Meta    MetaConfig    `yaml:"meta"`
	Storage StorageConfig `yaml:"storage"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetaConfig holds metadata database settings.
type MetaConfig struct {
	// Path of the SQLite database. Empty disables the event log.
	Path string `yaml:"path"`
}

// StorageConfig holds per-store settings. Sizes are human readable
// ("10 GiB", "512KiB"); durations use time.ParseDuration syntax.
type StorageConfig struct {
	Quota             string `yaml:"quota"`
	WriteBuffer       string `yaml:"write_buffer"`
	UploadRate        string `yaml:"upload_rate"`
	FileCacheWindow   string `yaml:"file_cache_window"`
	StatusCacheWindow string `yaml:"status_cache_window"`
	TxnMaxAge         string `yaml:"transaction_max_age"`
}

// Storage is StorageConfig with parsed values.
type Storage struct {
	Quota             uint64
	WriteBuffer       uint64
	UploadRate        uint64
	FileCacheWindow   time.Duration
	StatusCacheWindow time.Duration
	TxnMaxAge         time.Duration
}

// Load reads a YAML configuration file and applies defaults for unset
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	applyDefaults(cfg)
	if _, err := cfg.Storage.Parse(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with defaults filled in.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	s := &cfg.Storage
	if s.Quota == "" {
		s.Quota = "10 GiB"
	}
	if s.WriteBuffer == "" {
		s.WriteBuffer = "1 MiB"
	}
	if s.UploadRate == "" {
		s.UploadRate = "0"
	}
	if s.FileCacheWindow == "" {
		s.FileCacheWindow = "1m"
	}
	if s.StatusCacheWindow == "" {
		s.StatusCacheWindow = "1m"
	}
	if s.TxnMaxAge == "" {
		s.TxnMaxAge = "24h"
	}
}

// Parse converts the human readable settings. An upload rate of zero means
// unlimited.
func (s StorageConfig) Parse() (Storage, error) {
	var out Storage
	var err error
	if out.Quota, err = humanize.ParseBytes(s.Quota); err != nil {
		return out, errors.Wrapf(err, "storage.quota %q", s.Quota)
	}
	if out.WriteBuffer, err = humanize.ParseBytes(s.WriteBuffer); err != nil {
		return out, errors.Wrapf(err, "storage.write_buffer %q", s.WriteBuffer)
	}
	if out.WriteBuffer == 0 {
		return out, errors.New("storage.write_buffer must be positive")
	}
	if out.UploadRate, err = humanize.ParseBytes(s.UploadRate); err != nil {
		return out, errors.Wrapf(err, "storage.upload_rate %q", s.UploadRate)
	}
	if out.FileCacheWindow, err = time.ParseDuration(s.FileCacheWindow); err != nil {
		return out, errors.Wrapf(err, "storage.file_cache_window %q", s.FileCacheWindow)
	}
	if out.StatusCacheWindow, err = time.ParseDuration(s.StatusCacheWindow); err != nil {
		return out, errors.Wrapf(err, "storage.status_cache_window %q", s.StatusCacheWindow)
	}
	if out.TxnMaxAge, err = time.ParseDuration(s.TxnMaxAge); err != nil {
		return out, errors.Wrapf(err, "storage.transaction_max_age %q", s.TxnMaxAge)
	}
	return out, nil
}
