// Package config loads server settings from an optional YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Room   RoomConfig   `yaml:"room"`
	Flush  FlushConfig  `yaml:"flush"`
	Rate   RateConfig   `yaml:"rate"`
	Hook   HookConfig   `yaml:"hook"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the database file for sqlite and bolt.
	Path string `yaml:"path"`
	// DSN is the connection string for postgres.
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	RequireToken bool   `yaml:"require_token"`
}

type RoomConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	DependencyWindow time.Duration `yaml:"dependency_window"`
	TailRetain       int           `yaml:"tail_retain"`
	MaxBatch         int           `yaml:"max_batch"`
}

type FlushConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RateConfig struct {
	PerSecond float64       `yaml:"per_second"`
	Burst     int           `yaml:"burst"`
	Idle      time.Duration `yaml:"idle"`
}

type HookConfig struct {
	Buffer  int           `yaml:"buffer"`
	Timeout time.Duration `yaml:"timeout"`
	// RedisAddr enables publishing every room message to Redis.
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxMessageSize:  1024 * 1024,
			SendBuffer:      512,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "./data/scenesync.db",
		},
		Room: RoomConfig{
			HeartbeatTimeout: 60 * time.Second,
			ReapInterval:     10 * time.Second,
			DependencyWindow: 30 * time.Second,
			TailRetain:       1000,
			MaxBatch:         1000,
		},
		Flush: FlushConfig{
			Interval: 30 * time.Second,
			Timeout:  time.Minute,
		},
		Rate: RateConfig{
			PerSecond: 100,
			Burst:     200,
			Idle:      10 * time.Minute,
		},
		Hook: HookConfig{
			Buffer:      1024,
			Timeout:     5 * time.Second,
			RedisPrefix: "scenesync",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if v := getenv("SCENESYNC_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("SCENESYNC_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("SCENESYNC_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := getenv("SCENESYNC_DB_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := getenv("SCENESYNC_REDIS_ADDR"); v != "" {
		c.Hook.RedisAddr = v
	}
	if v := getenv("SCENESYNC_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("SCENESYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("server.max_message_size must be positive"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", c.Store.Driver))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Auth.RequireToken && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.require_token needs auth.jwt_secret"))
	}

	for name, d := range map[string]time.Duration{
		"room.heartbeat_timeout": c.Room.HeartbeatTimeout,
		"room.reap_interval":     c.Room.ReapInterval,
		"room.dependency_window": c.Room.DependencyWindow,
		"flush.interval":         c.Flush.Interval,
		"flush.timeout":          c.Flush.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Room.TailRetain < 0 {
		errs = append(errs, errors.New("room.tail_retain must not be negative"))
	}
	if c.Room.MaxBatch <= 0 {
		errs = append(errs, errors.New("room.max_batch must be positive"))
	}
	if c.Rate.PerSecond <= 0 || c.Rate.Burst <= 0 {
		errs = append(errs, errors.New("rate.per_second and rate.burst must be positive"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q", l.Level)
	}
	return level, nil
}
