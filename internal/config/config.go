// Package config defines runtime defaults, file and environment loading, and
// validation for the pipechat server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "PIPECHAT_"

// Config holds the server configuration.
type Config struct {
	Socket    SocketConfig    `toml:"socket" yaml:"socket" envPrefix:"SOCKET_"`
	HTTP      HTTPConfig      `toml:"http" yaml:"http" envPrefix:"HTTP_"`
	Protocol  ProtocolConfig  `toml:"protocol" yaml:"protocol" envPrefix:"PROTOCOL_"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging" envPrefix:"LOG_"`
	Server    ServerConfig    `toml:"server" yaml:"server" envPrefix:"SERVER_"`
}

// SocketConfig describes the local socket clients connect to.
type SocketConfig struct {
	Path        string `toml:"path" yaml:"path" env:"PATH"`
	Network     string `toml:"network" yaml:"network" env:"NETWORK"`         // "unix" or "unixpacket"
	Permissions string `toml:"permissions" yaml:"permissions" env:"PERMISSIONS"` // octal, e.g. "0600"
}

// HTTPConfig describes the optional admin and websocket HTTP listener.
type HTTPConfig struct {
	Addr           string   `toml:"addr" yaml:"addr" env:"ADDR"` // empty disables the listener
	WebSocket      bool     `toml:"websocket" yaml:"websocket" env:"WEBSOCKET"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64    `toml:"max_message_size" yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

// ProtocolConfig holds the wire protocol constants.
type ProtocolConfig struct {
	FrameSize         int           `toml:"frame_size" yaml:"frame_size" env:"FRAME_SIZE"`
	MetadataKey       string        `toml:"metadata_key" yaml:"metadata_key" env:"METADATA_KEY"`
	HandshakeAttempts int           `toml:"handshake_attempts" yaml:"handshake_attempts" env:"HANDSHAKE_ATTEMPTS"`
	ReadDelay         time.Duration `toml:"read_delay" yaml:"read_delay" env:"READ_DELAY"`
	WriteTimeout      time.Duration `toml:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// SendQueueSize bounds the frames waiting to be written to one session.
	// A session whose queue overflows is disconnected.
	SendQueueSize int `toml:"send_queue_size" yaml:"send_queue_size" env:"SEND_QUEUE_SIZE"`
}

// RateLimitConfig defines per-session message rate limiting.
type RateLimitConfig struct {
	Enabled        bool          `toml:"enabled" yaml:"enabled" env:"ENABLED"`
	Burst          int           `toml:"burst" yaml:"burst" env:"BURST"`
	RefillInterval time.Duration `toml:"refill_interval" yaml:"refill_interval" env:"REFILL_INTERVAL"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LEVEL"`
	Format string `toml:"format" yaml:"format" env:"FORMAT"` // "json" or "console"
}

// ServerConfig bounds the accept loop and shutdown.
type ServerConfig struct {
	MaxConnections  int           `toml:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"` // 0 = unlimited
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DefaultSocketPath is where the server listens when nothing is configured.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "pipechat.sock")
}

func defaultConfig() Config {
	return Config{
		Socket: SocketConfig{
			Path:        DefaultSocketPath(),
			Network:     "unix",
			Permissions: "0600",
		},
		HTTP: HTTPConfig{
			WebSocket: true,
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize: 4096,
		},
		Protocol: ProtocolConfig{
			FrameSize:         256,
			MetadataKey:       "userName",
			HandshakeAttempts: 10,
			ReadDelay:         500 * time.Millisecond,
			WriteTimeout:      10 * time.Second,
			SendQueueSize:     256,
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			MaxConnections:  64,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from defaults overlaid with PIPECHAT_*
// environment variables.
func NewConfigFromEnv() (*Config, error) {
	cfg := NewConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a TOML or YAML file, chosen by extension, over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := NewConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays PIPECHAT_* environment variables. Unset variables keep
// the current values.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Sanitize replaces invalid or missing values with their defaults.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Socket.Path == "" {
		c.Socket.Path = def.Socket.Path
	}
	if c.Socket.Network == "" {
		c.Socket.Network = def.Socket.Network
	}
	if _, err := c.SocketPermissions(); err != nil {
		c.Socket.Permissions = def.Socket.Permissions
	}

	if c.HTTP.MaxMessageSize <= 0 {
		c.HTTP.MaxMessageSize = def.HTTP.MaxMessageSize
	}
	c.HTTP.AllowedOrigins = trimOrigins(c.HTTP.AllowedOrigins)

	if c.Protocol.FrameSize <= 0 {
		c.Protocol.FrameSize = def.Protocol.FrameSize
	}
	if c.Protocol.MetadataKey == "" {
		c.Protocol.MetadataKey = def.Protocol.MetadataKey
	}
	if c.Protocol.HandshakeAttempts <= 0 {
		c.Protocol.HandshakeAttempts = def.Protocol.HandshakeAttempts
	}
	if c.Protocol.ReadDelay <= 0 {
		c.Protocol.ReadDelay = def.Protocol.ReadDelay
	}
	if c.Protocol.WriteTimeout <= 0 {
		c.Protocol.WriteTimeout = def.Protocol.WriteTimeout
	}
	if c.Protocol.SendQueueSize <= 0 {
		c.Protocol.SendQueueSize = def.Protocol.SendQueueSize
	}
	if c.HTTP.MaxMessageSize < int64(c.Protocol.FrameSize) {
		c.HTTP.MaxMessageSize = int64(c.Protocol.FrameSize)
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		c.Logging.Format = def.Logging.Format
	}

	if c.Server.MaxConnections < 0 {
		c.Server.MaxConnections = 0
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
}

// Validate reports settings that Sanitize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	switch c.Socket.Network {
	case "unix", "unixpacket":
	default:
		errs = append(errs, fmt.Errorf("socket network %q must be unix or unixpacket", c.Socket.Network))
	}
	if strings.Contains(c.Protocol.MetadataKey, ":") {
		errs = append(errs, fmt.Errorf("metadata key %q must not contain the separator", c.Protocol.MetadataKey))
	}
	if len(c.Protocol.MetadataKey)+2 > c.Protocol.FrameSize {
		errs = append(errs, fmt.Errorf("frame size %d cannot hold a handshake", c.Protocol.FrameSize))
	}
	return errors.Join(errs...)
}

// SocketPermissions parses the octal permission string. An empty string
// means the permissions are left untouched.
func (c *Config) SocketPermissions() (os.FileMode, error) {
	if c.Socket.Permissions == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(c.Socket.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parse socket permissions %q: %w", c.Socket.Permissions, err)
	}
	return os.FileMode(mode), nil
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
