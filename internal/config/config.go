package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`

	// Pairs maps human-readable instrument names to upstream feed
	// identifiers, e.g. "BTC/USD" -> "0xe62df6...". Loaded into the
	// registry before the relay accepts its first client.
	Pairs map[string]string `mapstructure:"pairs"`
}

type ServerConfig struct {
	Port              string  `mapstructure:"port"`
	WSPath            string  `mapstructure:"ws_path"`
	MsgRatePerSec     float64 `mapstructure:"msg_rate_per_sec"`
	MsgBurst          int     `mapstructure:"msg_burst"`
	SnapshotTimeoutMs int     `mapstructure:"snapshot_timeout_ms"`
}

type UpstreamConfig struct {
	WSURL                string `mapstructure:"ws_url"`
	HTTPURL              string `mapstructure:"http_url"`
	ReconnectBaseDelayMs int    `mapstructure:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int    `mapstructure:"reconnect_max_delay_ms"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	PingPeriodSeconds    int    `mapstructure:"ping_period_seconds"`
	SnapshotTimeoutMs    int    `mapstructure:"snapshot_timeout_ms"`
}

type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	TickTTLSeconds int    `mapstructure:"tick_ttl_seconds"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (c UpstreamConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

func (c UpstreamConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c UpstreamConfig) PingPeriod() time.Duration {
	return time.Duration(c.PingPeriodSeconds) * time.Second
}

func (c UpstreamConfig) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMs) * time.Millisecond
}

func (c ServerConfig) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMs) * time.Millisecond
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. RELAY_UPSTREAM_WS_URL
	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.ws_path", "/ws")
	viper.SetDefault("server.msg_rate_per_sec", 20.0)
	viper.SetDefault("server.msg_burst", 40)
	viper.SetDefault("server.snapshot_timeout_ms", 5000)
	viper.SetDefault("upstream.ws_url", "wss://hermes.pyth.network/ws")
	viper.SetDefault("upstream.http_url", "https://hermes.pyth.network")
	viper.SetDefault("upstream.reconnect_base_delay_ms", 1000)
	viper.SetDefault("upstream.reconnect_max_delay_ms", 30000)
	viper.SetDefault("upstream.max_reconnect_attempts", 10)
	viper.SetDefault("upstream.ping_period_seconds", 15)
	viper.SetDefault("upstream.snapshot_timeout_ms", 5000)
	viper.SetDefault("redis.tick_ttl_seconds", 60)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
