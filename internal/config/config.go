// Package config loads the optional ~/.tug/config.yaml shared by the daemon
// and the CLI. Missing file means defaults; a file only overrides the keys it
// sets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"data_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Segments      int    `yaml:"segments"`
	KeepPartial   bool   `yaml:"keep_partial"`
	StallSeconds  int    `yaml:"stall_seconds"`
	UserAgent     string `yaml:"user_agent"`
	Proxy         string `yaml:"proxy"`
}

func Default() Config {
	return Config{
		Listen:        ":7560",
		DataDir:       defaultDataDir(),
		MaxConcurrent: 4,
		Segments:      16,
		StallSeconds:  30,
	}
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads path into a Config on top of defaults. An empty path means the
// default location, where a missing file is fine; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error reading config file: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %v", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	return cfg, nil
}

// EventLogPath is the queue's append-only log inside the data dir.
func (c Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "events.jsonl")
}

// HistoryPath is the sqlite archive inside the data dir.
func (c Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// StallThreshold converts the configured seconds to a duration, zero meaning
// use the queue default.
func (c Config) StallThreshold() time.Duration {
	return time.Duration(c.StallSeconds) * time.Second
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tug"
	}
	return filepath.Join(home, ".tug")
}
