// Package config handles configuration loading and validation for the
// share-aggregator core.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the share-aggregation pipeline.
type Config struct {
	Bus      BusConfig      `mapstructure:"bus"`
	MetaBus  BusConfig      `mapstructure:"meta_bus"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	BinLog   BinLogConfig   `mapstructure:"binlog"`
	Rollup   RollupConfig   `mapstructure:"rollup"`
	KV       KVConfig       `mapstructure:"kv"`
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
	Log      LogConfig      `mapstructure:"log"`
}

// BusConfig defines an ingest-bus connection (shares or meta events).
type BusConfig struct {
	Driver  string        `mapstructure:"driver"` // "zmq" or "memory"
	Addr    string        `mapstructure:"addr"`
	Topic   string        `mapstructure:"topic"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines the KV sink's Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MySQLConfig defines the SQL sink's MySQL connection.
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BinLogConfig defines on-disk binary share-log settings.
type BinLogConfig struct {
	DataDir          string        `mapstructure:"data_dir"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxOpenFiles     int           `mapstructure:"max_open_files"`
	CursorBoltPath   string        `mapstructure:"cursor_bolt_path"`
	ReplayChunkSize  int           `mapstructure:"replay_chunk_size"`
	ReplayTickPeriod time.Duration `mapstructure:"replay_tick_period"`
}

// RollupConfig defines the hour/day rollup pipeline settings.
type RollupConfig struct {
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	BlockReward         int64         `mapstructure:"block_reward"`
	RetentionInterval   time.Duration `mapstructure:"retention_interval"`
	WorkerDayRetention  time.Duration `mapstructure:"worker_day_retention"`
	WorkerHourRetention time.Duration `mapstructure:"worker_hour_retention"`
	UserHourRetention   time.Duration `mapstructure:"user_hour_retention"`
}

// KVConfig defines the live-aggregator KV flusher settings.
type KVConfig struct {
	Prefix           string        `mapstructure:"prefix"`
	KeyTTL           time.Duration `mapstructure:"key_ttl"`
	PublishPolicy    int           `mapstructure:"publish_policy"`
	IndexPolicy      uint32        `mapstructure:"index_policy"`
	Concurrency      int           `mapstructure:"concurrency"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	SQLFlushInterval time.Duration `mapstructure:"sql_flush_interval"`
	LastFlushFile    string        `mapstructure:"last_flush_file"`
}

// APIConfig defines the read-only status HTTP+WebSocket server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// MetricsConfig defines the Prometheus metrics exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NewRelicConfig defines New Relic APM integration.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/shareagg")
	}

	v.SetEnvPrefix("SHAREAGG")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.driver", "zmq")
	v.SetDefault("bus.addr", "tcp://127.0.0.1:28332")
	v.SetDefault("bus.topic", "shares")
	v.SetDefault("bus.timeout", "500ms")

	v.SetDefault("meta_bus.driver", "zmq")
	v.SetDefault("meta_bus.addr", "tcp://127.0.0.1:28333")
	v.SetDefault("meta_bus.topic", "worker_updates")
	v.SetDefault("meta_bus.timeout", "500ms")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mysql.max_open_conns", 16)
	v.SetDefault("mysql.max_idle_conns", 4)
	v.SetDefault("mysql.conn_max_lifetime", "30m")

	v.SetDefault("binlog.data_dir", "./sharelogs")
	v.SetDefault("binlog.flush_interval", "2s")
	v.SetDefault("binlog.max_open_files", 3)
	v.SetDefault("binlog.cursor_bolt_path", "./sharelogs/cursor.db")
	v.SetDefault("binlog.replay_chunk_size", 2_000_000)
	v.SetDefault("binlog.replay_tick_period", "1s")

	v.SetDefault("rollup.flush_interval", "60s")
	v.SetDefault("rollup.block_reward", 1)
	v.SetDefault("rollup.retention_interval", "1h")
	v.SetDefault("rollup.worker_day_retention", "2160h") // 90 days
	v.SetDefault("rollup.worker_hour_retention", "72h")
	v.SetDefault("rollup.user_hour_retention", "720h") // 30 days

	v.SetDefault("kv.prefix", "shareagg:")
	v.SetDefault("kv.key_ttl", "0s")
	v.SetDefault("kv.publish_policy", 3)
	v.SetDefault("kv.index_policy", 0xFFFFFFFF)
	v.SetDefault("kv.concurrency", 4)
	v.SetDefault("kv.flush_interval", "15s")
	v.SetDefault("kv.sql_flush_interval", "15s")
	v.SetDefault("kv.last_flush_file", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8090")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.BinLog.DataDir == "" {
		return fmt.Errorf("binlog.data_dir is required")
	}

	if c.KV.Concurrency < 1 {
		return fmt.Errorf("kv.concurrency must be >= 1")
	}

	if c.Bus.Driver != "zmq" && c.Bus.Driver != "memory" {
		return fmt.Errorf("bus.driver must be zmq or memory")
	}

	if c.MetaBus.Driver != "zmq" && c.MetaBus.Driver != "memory" {
		return fmt.Errorf("meta_bus.driver must be zmq or memory")
	}

	if c.Rollup.BlockReward < 0 {
		return fmt.Errorf("rollup.block_reward must be >= 0")
	}

	return nil
}
