// Package config loads the YAML configuration backing the fa-archiver
// daemon's CLI flags, following the coordinator/cfg.go pattern: defaults
// first, then a YAML file unmarshalled on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the fa-archiverd configuration file.
type Config struct {
	// ArchivePath is the prepared archive file this daemon writes to and
	// serves reads from.
	ArchivePath string `yaml:"archive_path"`
	// N is the total BPM id count the sniffer device reports.
	N int `yaml:"id_count"`
	// SnifferDevice is the fa_sniffer character device path, or "" to run
	// with the empty (read-only) driver.
	SnifferDevice string `yaml:"sniffer_device"`
	// ListenAddress is the TCP address the wire protocol server binds.
	ListenAddress string `yaml:"listen_address"`
	// RingBlockCount sizes the in-memory raw ring buffer.
	RingBlockCount int `yaml:"ring_block_count"`
	// Realtime enables SCHED_FIFO scheduling for the sniffer thread.
	Realtime bool `yaml:"realtime"`
	// LogLevel is a zapcore level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration new installations start from.
func DefaultConfig() *Config {
	return &Config{
		N:              256,
		ListenAddress:  ":8888",
		RingBlockCount: 64,
		LogLevel:       "info",
	}
}

// Load reads and parses the YAML configuration file at path, starting from
// DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.ArchivePath == "" {
		return nil, fmt.Errorf("config: archive_path is required")
	}
	return cfg, nil
}
