package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models aimanager.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Scheduler struct {
		Timezone      string `yaml:"timezone"`
		Tick          string `yaml:"tick"`
		MisfireGrace  string `yaml:"misfire_grace"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"scheduler"`
	Gateways struct {
		Timeout       string `yaml:"timeout"`
		WebhookURL    string `yaml:"webhook_url"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"gateways"`
	Automation struct {
		DeadlineWarningDays int `yaml:"deadline_warning_days"`
		StuckAfterDays      int `yaml:"stuck_after_days"`
	} `yaml:"automation"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with aimgr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.scheduler.timezone: %w", err)
	}
	for name, raw := range map[string]string{
		"config.scheduler.tick":          c.Scheduler.Tick,
		"config.scheduler.misfire_grace": c.Scheduler.MisfireGrace,
		"config.gateways.timeout":        c.Gateways.Timeout,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("config.scheduler.max_concurrent must not be negative")
	}
	if c.Automation.DeadlineWarningDays < 0 {
		return fmt.Errorf("config.automation.deadline_warning_days must not be negative")
	}
	if c.Automation.StuckAfterDays < 0 {
		return fmt.Errorf("config.automation.stuck_after_days must not be negative")
	}
	return nil
}

// Location resolves the scheduler timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// Duration parses a duration field, returning fallback when unset.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aimanager.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  jwt_secret: ""

scheduler:
  timezone: UTC
  tick: 1s
  misfire_grace: 5m
  max_concurrent: 4

gateways:
  timeout: 10s
  webhook_url: ""
  webhook_secret: ""

automation:
  deadline_warning_days: 3
  stuck_after_days: 7
`
