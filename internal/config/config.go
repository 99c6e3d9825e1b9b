// Package config loads engine settings from an optional YAML file, a .env
// file and MARKET_ENGINE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "MARKET_ENGINE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AdminToken      string        `mapstructure:"admin_token"`
}

// DatabaseConfig selects the ledger. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Channel  string        `mapstructure:"channel"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ChainConfig enables the chain synchronizer when RPCURL is set.
type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	MarketAddress      string        `mapstructure:"market_address"`
	OrderBookAddress   string        `mapstructure:"order_book_address"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	EventBuffer        int           `mapstructure:"event_buffer"`
	TrackVirtualShares bool          `mapstructure:"track_virtual_shares"`
}

type FeesConfig struct {
	Rate    float64 `mapstructure:"rate"`
	LpShare float64 `mapstructure:"lp_share"`
}

// RiskConfig caps position cost basis. Zero disables a limit.
type RiskConfig struct {
	MaxPerMarket float64 `mapstructure:"max_per_market"`
	MaxTotal     float64 `mapstructure:"max_total"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. path may be empty; envFile is skipped when it
// does not exist.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// A comma-separated env value arrives as one element.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.admin_token", "")

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.channel", "market-engine:events")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "market-engine.events")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.market_address", "")
	v.SetDefault("chain.order_book_address", "")
	v.SetDefault("chain.read_timeout", "10s")
	v.SetDefault("chain.health_interval", "5m")
	v.SetDefault("chain.event_buffer", 256)
	v.SetDefault("chain.track_virtual_shares", false)

	v.SetDefault("fees.rate", 0.01)
	v.SetDefault("fees.lp_share", 0.8)

	v.SetDefault("risk.max_per_market", 0)
	v.SetDefault("risk.max_total", 0)

	v.SetDefault("reconciler.interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Fees.Rate < 0 || c.Fees.Rate >= 1 {
		return fmt.Errorf("fees.rate must be in [0, 1)")
	}
	if c.Fees.LpShare < 0 || c.Fees.LpShare > 1 {
		return fmt.Errorf("fees.lp_share must be between 0.0 and 1.0")
	}
	if c.Risk.MaxPerMarket < 0 || c.Risk.MaxTotal < 0 {
		return fmt.Errorf("risk limits must not be negative")
	}
	if c.Reconciler.Interval < time.Second {
		return fmt.Errorf("reconciler.interval must be at least 1s")
	}
	if c.Chain.RPCURL != "" && !common.IsHexAddress(c.Chain.MarketAddress) {
		return fmt.Errorf("chain.market_address must be a hex address when chain.rpc_url is set")
	}
	if c.Chain.OrderBookAddress != "" && !common.IsHexAddress(c.Chain.OrderBookAddress) {
		return fmt.Errorf("chain.order_book_address must be a hex address")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// FeeRate is the trade fee rate as a decimal.
func (f FeesConfig) FeeRate() decimal.Decimal { return decimal.NewFromFloat(f.Rate) }

// LpFraction is the share of each fee reinjected into the pool.
func (f FeesConfig) LpFraction() decimal.Decimal { return decimal.NewFromFloat(f.LpShare) }

// SlogLevel maps the configured level name.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
