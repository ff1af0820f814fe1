// Package config loads the engine configuration from an optional YAML file
// and CE_-prefixed environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Risk       RiskConfig       `mapstructure:"risk"`
	State      StateConfig      `mapstructure:"state"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SettlementConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	GuardCooldown   time.Duration `mapstructure:"guard_cooldown"`
	ClaimTTL        time.Duration `mapstructure:"claim_ttl"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`

	// Tiers is a "seconds:percent" list, e.g. "30:20,60:25,120:50".
	Tiers string `mapstructure:"tiers"`
}

type RiskConfig struct {
	MaxPerAsset string `mapstructure:"max_per_asset"`
	MaxPerClass string `mapstructure:"max_per_class"`
}

type StateConfig struct {
	CompletedLimit int `mapstructure:"completed_limit"`
}

// Load reads configuration. An empty path reads the environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("db.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "contract-notifications")
	v.SetDefault("settlement.scan_interval", "1s")
	v.SetDefault("settlement.refresh_interval", "5s")
	v.SetDefault("settlement.guard_cooldown", "2s")
	v.SetDefault("settlement.claim_ttl", "30s")
	v.SetDefault("settlement.max_concurrent", 16)
	v.SetDefault("settlement.tiers", "30:20,60:25,120:50")
	v.SetDefault("risk.max_per_asset", "0")
	v.SetDefault("risk.max_per_class", "0")
	v.SetDefault("state.completed_limit", 20)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SlogLevel maps the configured level name to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RiskLimits parses the per-asset and per-class stake limits. Zero
// disables a limit.
func (c Config) RiskLimits() (perAsset, perClass decimal.Decimal, err error) {
	perAsset, err = decimal.NewFromString(c.Risk.MaxPerAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("risk.max_per_asset: %w", err)
	}
	perClass, err = decimal.NewFromString(c.Risk.MaxPerClass)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("risk.max_per_class: %w", err)
	}
	return perAsset, perClass, nil
}
