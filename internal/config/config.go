package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskpulse.yml.
type Config struct {
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`

	Scan struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		TaskLimit       int `yaml:"task_limit"`
		MaxNewEvents    int `yaml:"max_new_events"`
	} `yaml:"scan"`

	Render struct {
		Backend        string `yaml:"backend"`
		BatchSize      int    `yaml:"batch_size"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
		OpenAI         struct {
			Endpoint string `yaml:"endpoint"`
			Model    string `yaml:"model"`
			APIKey   string `yaml:"api_key"`
		} `yaml:"openai"`
	} `yaml:"render"`

	Followup struct {
		Slots map[string]string `yaml:"slots"`
	} `yaml:"followup"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound message forwarding target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const apiKeyEnv = "TASKPULSE_OPENAI_API_KEY"

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields are
// filled from defaults; the API key may come from the environment.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskpulse.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Scan.IntervalMinutes <= 0 {
		c.Scan.IntervalMinutes = 15
	}
	if c.Scan.TaskLimit <= 0 {
		c.Scan.TaskLimit = 200
	}
	if c.Scan.MaxNewEvents <= 0 {
		c.Scan.MaxNewEvents = 10
	}
	if c.Render.Backend == "" {
		c.Render.Backend = "template"
	}
	if c.Render.BatchSize <= 0 {
		c.Render.BatchSize = 20
	}
	if c.Render.TimeoutSeconds <= 0 {
		c.Render.TimeoutSeconds = 20
	}
	if c.Render.MaxRetries <= 0 {
		c.Render.MaxRetries = 3
	}
	if c.Render.OpenAI.APIKey == "" {
		c.Render.OpenAI.APIKey = os.Getenv(apiKeyEnv)
	}
	if len(c.Followup.Slots) == 0 {
		c.Followup.Slots = map[string]string{
			"morning": "08:00",
			"noon":    "12:30",
			"evening": "19:00",
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone: %w", err)
	}
	switch c.Render.Backend {
	case "template":
	case "openai":
		if c.Render.OpenAI.Endpoint == "" {
			return fmt.Errorf("config.render.openai.endpoint is required for the openai backend")
		}
		if c.Render.OpenAI.Model == "" {
			return fmt.Errorf("config.render.openai.model is required for the openai backend")
		}
	default:
		return fmt.Errorf("config.render.backend must be 'template' or 'openai', got %q", c.Render.Backend)
	}
	for slot, at := range c.Followup.Slots {
		switch slot {
		case "morning", "noon", "evening":
		default:
			return fmt.Errorf("config.followup.slots contains unknown slot %q", slot)
		}
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("config.followup.slots.%s: invalid time %q (want HH:MM)", slot, at)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ScanInterval returns the reminder scan period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalMinutes) * time.Minute
}

// RenderTimeout bounds a single render call.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// SlotTime parses the trigger time-of-day for a followup slot.
func (c *Config) SlotTime(slot string) (hour, minute int, err error) {
	at, ok := c.Followup.Slots[slot]
	if !ok {
		return 0, 0, fmt.Errorf("slot %q has no trigger time configured", slot)
	}
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// GenerateDefault returns default config YAML for tp config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `timezone: UTC
log_level: info

scan:
  # Keep the interval at or below half the narrowest stage window (30m),
  # otherwise a T-30M crossing can fall between two scans.
  interval_minutes: 15
  task_limit: 200
  max_new_events: 10

render:
  backend: template
  batch_size: 20
  timeout_seconds: 20
  max_retries: 3
  openai:
    endpoint: https://api.openai.com/v1/chat/completions
    model: gpt-4o-mini
    api_key: ""

followup:
  slots:
    morning: "08:00"
    noon: "12:30"
    evening: "19:00"

webhooks: []
`
