// Package config loads the relay and editor configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. COLLAB_SERVER_ADDR.
const EnvPrefix = "COLLAB_"

type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the relay.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxClients     int           `yaml:"max_clients"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// SessionConfig tunes a collaboration session.
type SessionConfig struct {
	IdleThreshold       time.Duration `yaml:"idle_threshold"`
	HistorySize         int           `yaml:"history_size"`
	MaxPending          int           `yaml:"max_pending"`
	ResyncAfterDiscards int           `yaml:"resync_after_discards"`
	// SnapshotTimeout bounds the wait for a peer's copy of the document.
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

// TransportConfig selects how an editor reaches its peers.
type TransportConfig struct {
	// Kind is websocket or redis.
	Kind      string `yaml:"kind"`
	URL       string `yaml:"url"`
	RedisAddr string `yaml:"redis_addr"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Env: "dev",
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   54 * time.Second,
			MaxMessageSize: 512 * 1024,
			MaxClients:     1000,
		},
		Session: SessionConfig{
			IdleThreshold:       5 * time.Minute,
			HistorySize:         1000,
			MaxPending:          10000,
			ResyncAfterDiscards: 3,
			SnapshotTimeout:     2 * time.Second,
		},
		Transport: TransportConfig{
			Kind:           "websocket",
			URL:            "ws://localhost:8080/ws",
			RedisAddr:      "localhost:6379",
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, expands ${VAR} references and applies
// COLLAB_* overrides. An empty path loads defaults only. A non-empty env
// replaces the configured environment name.
func Load(path string, env string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if env != "" {
		cfg.Env = env
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("expected a single YAML document")
	}
	return nil
}

// applyEnv applies the supported COLLAB_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"ENV":            &cfg.Env,
		"SERVER_ADDR":    &cfg.Server.Addr,
		"TRANSPORT_KIND": &cfg.Transport.Kind,
		"TRANSPORT_URL":  &cfg.Transport.URL,
		"REDIS_ADDR":     &cfg.Transport.RedisAddr,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SERVER_MAX_CLIENTS":            &cfg.Server.MaxClients,
		"SESSION_HISTORY_SIZE":          &cfg.Session.HistorySize,
		"SESSION_MAX_PENDING":           &cfg.Session.MaxPending,
		"SESSION_RESYNC_AFTER_DISCARDS": &cfg.Session.ResyncAfterDiscards,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SESSION_IDLE_THRESHOLD":   &cfg.Session.IdleThreshold,
		"SESSION_SNAPSHOT_TIMEOUT": &cfg.Session.SnapshotTimeout,
		"SERVER_READ_TIMEOUT":      &cfg.Server.ReadTimeout,
		"SERVER_WRITE_TIMEOUT":     &cfg.Server.WriteTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "websocket", "redis":
	default:
		return fmt.Errorf("transport.kind must be websocket or redis, got %q", c.Transport.Kind)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.PingInterval >= c.Server.ReadTimeout {
		return fmt.Errorf("server.ping_interval (%s) must be shorter than server.read_timeout (%s)",
			c.Server.PingInterval, c.Server.ReadTimeout)
	}
	if c.Session.HistorySize < 0 || c.Session.MaxPending < 0 || c.Session.ResyncAfterDiscards < 0 ||
		c.Session.SnapshotTimeout < 0 {
		return errors.New("session limits must not be negative")
	}
	return nil
}
