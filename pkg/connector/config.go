// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

var (
	ErrMissingToken   = errors.New("telegram bot token is not configured (set API_TOKEN)")
	ErrMissingChannel = errors.New("destination channel is not configured (set CHANNEL_ID)")
)

// Config holds the relay configuration.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Relay     RelayConfig     `yaml:"relay"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	// AdminAPIAddr is the listen address for the admin HTTP API serving
	// /api/mappings and /metrics. Empty disables the API.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`

	channel ChannelTarget `yaml:"-"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	ChannelID   string `yaml:"channel_id"`
	APIEndpoint string `yaml:"api_endpoint"`
	PollTimeout int    `yaml:"poll_timeout"`
}

type RelayConfig struct {
	Workers             int            `yaml:"workers"`
	ThreadEditedReplies bool           `yaml:"thread_edited_replies"`
	NotifyMissingParent bool           `yaml:"notify_missing_parent"`
	NotifyFailures      bool           `yaml:"notify_failures"`
	Messages            MessagesConfig `yaml:"messages"`
}

// MessagesConfig holds the fixed texts sent back to users.
type MessagesConfig struct {
	Start            string `yaml:"start"`
	Unsupported      string `yaml:"unsupported"`
	DeleteNeedsReply string `yaml:"delete_needs_reply"`
	DeleteNotFound   string `yaml:"delete_not_found"`
	MissingParent    string `yaml:"missing_parent"`
	RelayFailed      string `yaml:"relay_failed"`
}

type RetryConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`

	initialInterval time.Duration `yaml:"-"`
	maxInterval     time.Duration `yaml:"-"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// envOverrides are read from the process environment after the YAML file.
// Non-empty values win.
type envOverrides struct {
	Token        string `env:"API_TOKEN"`
	ChannelID    string `env:"CHANNEL_ID"`
	DatabaseType string `env:"RELAY_DATABASE_TYPE"`
	DatabaseURI  string `env:"RELAY_DATABASE_URI"`
	AdminAPIAddr string `env:"RELAY_API_ADDR"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Str|up.Int, "telegram", "channel_id")
	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Int, "telegram", "poll_timeout")

	helper.Copy(up.Int, "relay", "workers")
	helper.Copy(up.Bool, "relay", "thread_edited_replies")
	helper.Copy(up.Bool, "relay", "notify_missing_parent")
	helper.Copy(up.Bool, "relay", "notify_failures")
	helper.Copy(up.Str, "relay", "messages", "start")
	helper.Copy(up.Str, "relay", "messages", "unsupported")
	helper.Copy(up.Str, "relay", "messages", "delete_needs_reply")
	helper.Copy(up.Str, "relay", "messages", "delete_not_found")
	helper.Copy(up.Str, "relay", "messages", "missing_parent")
	helper.Copy(up.Str, "relay", "messages", "relay_failed")

	helper.Copy(up.Int, "retry", "max_attempts")
	helper.Copy(up.Str, "retry", "initial_interval")
	helper.Copy(up.Str, "retry", "max_interval")

	helper.Copy(up.Int|up.Float, "rate_limit", "per_second")
	helper.Copy(up.Int, "rate_limit", "burst")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Str, "admin_api_addr")

	helper.Copy(up.Map, "logging")
}

// LoadConfig merges the YAML file at path (if it exists) over the embedded
// example config, applies environment overrides and post-processes the result.
// It does not validate required values; call Validate for that.
func LoadConfig(path string) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if len(bytes.TrimSpace(data)) > 0 {
			var user yaml.Node
			if err := yaml.Unmarshal(data, &user); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			// Comment-only files parse to a document without content.
			if len(user.Content) > 0 {
				upgradeConfig(up.NewHelper(&base, &user))
			}
		}
	}

	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if overrides.Token != "" {
		c.Telegram.Token = overrides.Token
	}
	if overrides.ChannelID != "" {
		c.Telegram.ChannelID = overrides.ChannelID
	}
	if overrides.DatabaseType != "" {
		c.Database.Type = overrides.DatabaseType
	}
	if overrides.DatabaseURI != "" {
		c.Database.URI = overrides.DatabaseURI
	}
	if overrides.AdminAPIAddr != "" {
		c.AdminAPIAddr = overrides.AdminAPIAddr
	}
	return nil
}

// PostProcess parses derived values and fills defaults for zero fields.
func (c *Config) PostProcess() error {
	if c.Telegram.ChannelID != "" {
		channel, err := ParseChannelTarget(c.Telegram.ChannelID)
		if err != nil {
			return err
		}
		c.channel = channel
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 60
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}

	var err error
	if c.Retry.initialInterval, err = parseDurationOr(c.Retry.InitialInterval, 500*time.Millisecond); err != nil {
		return fmt.Errorf("invalid retry.initial_interval: %w", err)
	}
	if c.Retry.maxInterval, err = parseDurationOr(c.Retry.MaxInterval, 30*time.Second); err != nil {
		return fmt.Errorf("invalid retry.max_interval: %w", err)
	}
	if c.Retry.maxInterval < c.Retry.initialInterval {
		c.Retry.maxInterval = c.Retry.initialInterval
	}
	return nil
}

// Validate checks the values the relay cannot start without.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return ErrMissingToken
	}
	if c.channel.IsZero() {
		return ErrMissingChannel
	}
	return nil
}

// Channel returns the parsed destination channel.
func (c *Config) Channel() ChannelTarget {
	return c.channel
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
