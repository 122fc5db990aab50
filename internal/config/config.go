// Package config loads the roomsync server configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"collabtext/roomsync/internal/room"
	"collabtext/roomsync/internal/transport"
)

// Config holds the full server configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	StaticDir string          `yaml:"static_dir"`
	Log       LogConfig       `yaml:"log"`
	Room      RoomConfig      `yaml:"room"`
	Session   SessionConfig   `yaml:"session"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// RoomConfig carries the room lifecycle and broadcast policy.
type RoomConfig struct {
	EchoOrigin    bool          `yaml:"echo_origin"`
	SnapshotMode  string        `yaml:"snapshot_mode"` // replace | merge
	IdlePolicy    string        `yaml:"idle_policy"`   // retain | evict
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	UnknownRoom   string        `yaml:"unknown_room"` // ignore | create
}

// SessionConfig tunes per-connection behaviour.
type SessionConfig struct {
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DiscoveryConfig enables mDNS advertisement of the server.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service"`
	Instance string `yaml:"instance"`
	Domain   string `yaml:"domain"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info", Format: "text"},
		Room: RoomConfig{
			SnapshotMode:  string(room.SnapshotReplace),
			IdlePolicy:    "retain",
			IdleTTL:       10 * time.Minute,
			SweepInterval: time.Minute,
			UnknownRoom:   string(room.UnknownRoomIgnore),
		},
		Session: SessionConfig{
			SendBuffer:      256,
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			PingInterval:    54 * time.Second,
			MaxMessageBytes: 1 << 20,
		},
		Discovery: DiscoveryConfig{
			Service: "_roomsync._tcp",
			Domain:  "local.",
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig. An
// empty path yields the defaults. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("ROOMSYNC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("ROOMSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("ROOMSYNC_STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("log.format: unsupported %q (use text or json)", c.Log.Format)
	}
	switch room.SnapshotMode(c.Room.SnapshotMode) {
	case room.SnapshotReplace, room.SnapshotMerge:
	default:
		return fmt.Errorf("room.snapshot_mode: unsupported %q (use replace or merge)", c.Room.SnapshotMode)
	}
	switch c.Room.IdlePolicy {
	case "retain":
	case "evict":
		if c.Room.IdleTTL < 0 {
			return fmt.Errorf("room.idle_ttl must be >= 0")
		}
		if c.Room.IdleTTL > 0 && c.Room.SweepInterval <= 0 {
			return fmt.Errorf("room.sweep_interval must be > 0 when idle_ttl is set")
		}
	default:
		return fmt.Errorf("room.idle_policy: unsupported %q (use retain or evict)", c.Room.IdlePolicy)
	}
	switch room.UnknownRoomPolicy(c.Room.UnknownRoom) {
	case room.UnknownRoomIgnore, room.UnknownRoomCreate:
	default:
		return fmt.Errorf("room.unknown_room: unsupported %q (use ignore or create)", c.Room.UnknownRoom)
	}
	if c.Session.SendBuffer < 2 {
		return fmt.Errorf("session.send_buffer must be >= 2")
	}
	if c.Session.WriteTimeout <= 0 || c.Session.PongTimeout <= 0 {
		return fmt.Errorf("session.write_timeout and session.pong_timeout must be > 0")
	}
	if c.Session.PingInterval <= 0 || c.Session.PingInterval >= c.Session.PongTimeout {
		return fmt.Errorf("session.ping_interval must be > 0 and < pong_timeout")
	}
	if c.Session.MaxMessageBytes <= 0 {
		return fmt.Errorf("session.max_message_bytes must be > 0")
	}
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return fmt.Errorf("discovery.service is required when discovery is enabled")
	}
	return nil
}

// SlogLevel maps the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level: unsupported %q", l.Level)
}

// RoomPolicy converts the room section into a room.Policy.
func (c *Config) RoomPolicy() room.Policy {
	return room.Policy{
		EchoOrigin:   c.Room.EchoOrigin,
		SnapshotMode: room.SnapshotMode(c.Room.SnapshotMode),
		EvictIdle:    c.Room.IdlePolicy == "evict",
		IdleTTL:      c.Room.IdleTTL,
		UnknownRoom:  room.UnknownRoomPolicy(c.Room.UnknownRoom),
		SendBuffer:   c.Session.SendBuffer,
	}
}

// TransportOptions converts the session section into transport options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		WriteTimeout:    c.Session.WriteTimeout,
		PongTimeout:     c.Session.PongTimeout,
		PingInterval:    c.Session.PingInterval,
		MaxMessageBytes: c.Session.MaxMessageBytes,
		AllowedOrigins:  c.Session.AllowedOrigins,
	}
}
