package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Claims  ClaimsConfig  `yaml:"claims"`
	Mates   MatesConfig   `yaml:"mates"`
	Worker  WorkerConfig  `yaml:"worker"`
	Tracker TrackerConfig `yaml:"tracker"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Root        string `yaml:"root"`
}

type ClaimsConfig struct {
	DefaultTTLMin int `yaml:"default_ttl_min"`
}

type MatesConfig struct {
	LockTimeoutSec  int `yaml:"lock_timeout_sec"`
	StaleSessionMin int `yaml:"stale_session_min"`
}

type WorkerConfig struct {
	PollIntervalSec   int `yaml:"poll_interval_sec"`
	RunTimeoutMin     int `yaml:"run_timeout_min"`
	OverallTimeoutMin int `yaml:"overall_timeout_min"`
}

// TrackerConfig configures the optional issue-tracker subprocess.
// An empty binary disables integration entirely.
type TrackerConfig struct {
	Binary string `yaml:"binary,omitempty"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	AuditTrail bool   `yaml:"audit_trail"`
}

// LoadConfig reads a project config file. A missing file yields the zero
// config, whose accessor methods fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// TTLMinutes returns the configured claim TTL with fallback.
func (c ClaimsConfig) TTLMinutes() int {
	if c.DefaultTTLMin <= 0 {
		return 30
	}
	return c.DefaultTTLMin
}

func (c MatesConfig) LockTimeout() int {
	if c.LockTimeoutSec <= 0 {
		return 10
	}
	return c.LockTimeoutSec
}

func (c MatesConfig) StaleSession() int {
	if c.StaleSessionMin <= 0 {
		return 120
	}
	return c.StaleSessionMin
}

func (c WorkerConfig) PollInterval() int {
	if c.PollIntervalSec <= 0 {
		return 15
	}
	return c.PollIntervalSec
}

func (c WorkerConfig) RunTimeout() int {
	if c.RunTimeoutMin <= 0 {
		return 60
	}
	return c.RunTimeoutMin
}

func (c WorkerConfig) OverallTimeout() int {
	if c.OverallTimeoutMin <= 0 {
		return 240
	}
	return c.OverallTimeoutMin
}
