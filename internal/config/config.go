// Package config loads relay and client settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "E2E_RELAY"

type (
	Config struct {
		Log    LogConfig    `mapstructure:"log"`
		Server ServerConfig `mapstructure:"server"`
		Store  StoreConfig  `mapstructure:"store"`
		Client ClientConfig `mapstructure:"client"`
	}

	LogConfig struct {
		// debug, info, warn, error
		Level string `mapstructure:"level"`
		// console or json
		Format string `mapstructure:"format"`
		// stdout, stderr or file paths
		Outputs     []string       `mapstructure:"outputs"`
		Rotation    RotationConfig `mapstructure:"rotation"`
		Development bool           `mapstructure:"development"`
	}

	RotationConfig struct {
		Enable     bool `mapstructure:"enable"`
		MaxSizeMB  int  `mapstructure:"max_size_mb"`
		MaxBackups int  `mapstructure:"max_backups"`
		MaxAgeDays int  `mapstructure:"max_age_days"`
		Compress   bool `mapstructure:"compress"`
	}

	ServerConfig struct {
		TCPAddr  string `mapstructure:"tcp_addr"`
		HTTPAddr string `mapstructure:"http_addr"`
		// SendQueue bounds the per-connection outbound queue. A full queue
		// disconnects the recipient.
		SendQueue    int           `mapstructure:"send_queue"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		// HistoryReplay is how many logged messages a joining member receives.
		HistoryReplay int `mapstructure:"history_replay"`
		// HistoryLimit caps the in-process message log per chat (0 = unbounded).
		HistoryLimit int `mapstructure:"history_limit"`
	}

	StoreConfig struct {
		// none, redis, mongo or sqlite
		Kind    string        `mapstructure:"kind"`
		Timeout time.Duration `mapstructure:"timeout"`
		Redis   RedisConfig   `mapstructure:"redis"`
		Mongo   MongoConfig   `mapstructure:"mongo"`
		SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	MongoConfig struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	}

	SQLiteConfig struct {
		Path string `mapstructure:"path"`
	}

	ClientConfig struct {
		ServerAddr string `mapstructure:"server_addr"`
		// HTTPAddr is the relay's HTTP listener, used by /info.
		HTTPAddr string `mapstructure:"http_addr"`
	}
)

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			TCPAddr:       "localhost:9000",
			HTTPAddr:      "localhost:9090",
			SendQueue:     256,
			WriteTimeout:  5 * time.Second,
			HistoryReplay: 50,
			HistoryLimit:  1000,
		},
		Store: StoreConfig{
			Kind:    "none",
			Timeout: 2 * time.Second,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "e2e_relay",
			},
			SQLite: SQLiteConfig{
				Path: "./data/relay.db",
			},
		},
		Client: ClientConfig{
			ServerAddr: "localhost:9000",
			HTTPAddr:   "localhost:9090",
		},
	}
}

// Load reads configuration from path when given, otherwise from
// E2E_RELAY_CONFIG or an e2e_relay.yaml found in ./ or ./configs.
// Every key can be overridden from the environment, e.g. E2E_RELAY_STORE_KIND=redis.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.tcp_addr", cfg.Server.TCPAddr)
	v.SetDefault("server.http_addr", cfg.Server.HTTPAddr)
	v.SetDefault("server.send_queue", cfg.Server.SendQueue)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.history_replay", cfg.Server.HistoryReplay)
	v.SetDefault("server.history_limit", cfg.Server.HistoryLimit)
	v.SetDefault("store.kind", cfg.Store.Kind)
	v.SetDefault("store.timeout", cfg.Store.Timeout)
	v.SetDefault("store.redis.addr", cfg.Store.Redis.Addr)
	v.SetDefault("store.redis.password", cfg.Store.Redis.Password)
	v.SetDefault("store.redis.db", cfg.Store.Redis.DB)
	v.SetDefault("store.mongo.uri", cfg.Store.Mongo.URI)
	v.SetDefault("store.mongo.database", cfg.Store.Mongo.Database)
	v.SetDefault("store.sqlite.path", cfg.Store.SQLite.Path)
	v.SetDefault("client.server_addr", cfg.Client.ServerAddr)
	v.SetDefault("client.http_addr", cfg.Client.HTTPAddr)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("e2e_relay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	switch c.Store.Kind {
	case "", "none":
		c.Store.Kind = "none"
	case "redis", "mongo", "sqlite":
	default:
		return fmt.Errorf("invalid store.kind: %q", c.Store.Kind)
	}

	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("server.send_queue must be positive, got %d", c.Server.SendQueue)
	}
	if c.Server.HistoryReplay < 0 || c.Server.HistoryLimit < 0 {
		return errors.New("server.history_replay and server.history_limit must not be negative")
	}
	return nil
}
