package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Quota    QuotaConfig    `yaml:"quota"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Timezone string `yaml:"timezone"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QuotaConfig overrides the built-in per-role limits. A missing value keeps
// the default; admin stays unlimited and is not configurable.
type QuotaConfig struct {
	Guest TierConfig `yaml:"guest"`
	User  TierConfig `yaml:"user"`
}

type TierConfig struct {
	ActiveLots  *int `yaml:"active_lots"`
	DailyTrades *int `yaml:"daily_trades"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Timezone == "" {
		cfg.Server.Timezone = "Asia/Taipei"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/ledger.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if _, err := time.LoadLocation(c.Server.Timezone); err != nil {
		return fmt.Errorf("invalid server.timezone %q: %w", c.Server.Timezone, err)
	}
	for name, tier := range map[string]TierConfig{"guest": c.Quota.Guest, "user": c.Quota.User} {
		if tier.ActiveLots != nil && *tier.ActiveLots <= 0 {
			return fmt.Errorf("quota.%s.active_lots must be positive", name)
		}
		if tier.DailyTrades != nil && *tier.DailyTrades <= 0 {
			return fmt.Errorf("quota.%s.daily_trades must be positive", name)
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// Location returns the calendar timezone used for trade-day windows.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		loc = time.FixedZone("CST", 8*60*60)
	}
	return loc
}
