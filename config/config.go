// Package config holds the YAML configuration for the server binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	LogLevel   string        `yaml:"log_level"`
	Browser    BrowserConfig `yaml:"browser"`
	Pool       PoolConfig    `yaml:"pool"`
	Session    SessionConfig `yaml:"session"`
	Storage    StorageConfig `yaml:"storage"`
}

// BrowserConfig controls how the Chrome process is found or launched.
type BrowserConfig struct {
	Port          int      `yaml:"port"`
	Headless      bool     `yaml:"headless"`
	NoAutoLaunch  bool     `yaml:"no_auto_launch"`
	RendererLimit int      `yaml:"renderer_limit"`
	ProfileDir    string   `yaml:"profile_dir"`
	TempProfile   bool     `yaml:"temp_profile"`
	Stealth       bool     `yaml:"stealth"`
	ExtraFlags    []string `yaml:"extra_flags"`
}

// PoolConfig controls the warm-tab pool.
type PoolConfig struct {
	MinIdle int           `yaml:"min_idle"`
	MaxTabs int           `yaml:"max_tabs"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	IdleTTL     time.Duration `yaml:"idle_ttl"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// StorageConfig controls persisted browser state.
type StorageConfig struct {
	Dir           string        `yaml:"dir"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.Port <= 0 {
		c.Browser.Port = 9222
	}
	if c.Browser.RendererLimit <= 0 {
		c.Browser.RendererLimit = 4
	}
	if c.Pool.MinIdle <= 0 {
		c.Pool.MinIdle = 2
	}
	if c.Pool.MaxTabs <= 0 {
		c.Pool.MaxTabs = 10
	}
	if c.Pool.IdleTTL <= 0 {
		c.Pool.IdleTTL = 5 * time.Minute
	}
	if c.Session.IdleTTL <= 0 {
		c.Session.IdleTTL = 30 * time.Minute
	}
	if c.Session.TaskTimeout <= 0 {
		c.Session.TaskTimeout = 2 * time.Minute
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "state"
	}
	if c.Storage.WatchInterval <= 0 {
		c.Storage.WatchInterval = 30 * time.Second
	}
}

// Load reads the YAML file when path is non-empty, applies environment
// overrides, then fills defaults. A missing path yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.fromEnv()
	cfg.defaults()
	return cfg, nil
}

// fromEnv applies OPENCHROME_* overrides on top of whatever the file set.
func (c *Config) fromEnv() {
	if v := os.Getenv("OPENCHROME_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("OPENCHROME_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OPENCHROME_DEBUG_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Browser.Port = n
		}
	}
	if v := os.Getenv("OPENCHROME_HEADLESS"); v != "" {
		c.Browser.Headless = v == "1" || v == "true"
	}
	if v := os.Getenv("OPENCHROME_PROFILE_DIR"); v != "" {
		c.Browser.ProfileDir = v
	}
	if v := os.Getenv("OPENCHROME_STEALTH"); v != "" {
		c.Browser.Stealth = v == "1" || v == "true"
	}
	if v := os.Getenv("OPENCHROME_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
}
