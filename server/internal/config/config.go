package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultPort           = 8765
	DefaultBind           = "127.0.0.1"
	DefaultStaticDir      = "./dist"
	DefaultQueueSize      = 256
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 256 << 20
	DefaultEventBurst     = 1
	DefaultHeader         = "X-API-Key"
)

// Host disconnect policies.
const (
	OnDisconnectResume = "resume"
	OnDisconnectExit   = "exit"
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. Other top-level keys are ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// Port is the HTTP/WebSocket listen port (default 8765).
	Port int `yaml:"port"`

	// Bind is the listen address (default 127.0.0.1).
	Bind string `yaml:"bind"`

	// StaticDir is the directory of front-end assets served at / (default ./dist).
	StaticDir string `yaml:"static_dir"`

	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Channels ChannelsConfig `yaml:"channels"`
	Host     HostConfig     `yaml:"host"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// File, when set, receives log output instead of stdout. A leading ~ is
	// expanded to the home directory.
	File string `yaml:"file"`

	// Level is one of: debug | info | warn | error (default info).
	// Changes are applied on hot reload.
	Level string `yaml:"level"`

	// Format is one of: json | text (default json).
	Format string `yaml:"format"`
}

// SessionConfig tunes per-connection behaviour.
type SessionConfig struct {
	// QueueSize is the outbound queue depth; a session whose queue fills is
	// disconnected.
	QueueSize int `yaml:"queue_size"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongWait     time.Duration `yaml:"pong_wait"`

	// MaxMessageSize is the largest inbound frame in bytes (default 256 MiB).
	MaxMessageSize int64 `yaml:"max_message_size"`

	// EventRate limits viewer events per second per session; 0 disables.
	EventRate  float64 `yaml:"event_rate"`
	EventBurst int     `yaml:"event_burst"`
}

// ChannelsConfig controls channel retention.
type ChannelsConfig struct {
	// TTL removes channels not updated within this duration; 0 keeps them
	// until the host deletes them.
	TTL time.Duration `yaml:"ttl"`
}

// HostConfig controls the host endpoint.
type HostConfig struct {
	// OnDisconnect is one of: resume (keep serving last state) | exit (shut
	// down once the last host leaves).
	OnDisconnect string `yaml:"on_disconnect"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls host authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from.
	// Defaults to "X-API-Key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultHeader
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      DefaultPort,
			Bind:      DefaultBind,
			StaticDir: DefaultStaticDir,
			Log: LogConfig{
				Level:  "info",
				Format: "json",
			},
			Session: SessionConfig{
				QueueSize:      DefaultQueueSize,
				WriteTimeout:   DefaultWriteTimeout,
				PongWait:       DefaultPongWait,
				MaxMessageSize: DefaultMaxMessageSize,
				EventBurst:     DefaultEventBurst,
			},
			Host: HostConfig{
				OnDisconnect: OnDisconnectResume,
				Auth:         AuthConfig{Mode: "none"},
			},
		},
	}
}

// Validate checks structural constraints on the configuration. It is called
// by Load and again after command-line overrides are applied.
func Validate(cfg *Config) error {
	s := cfg.Server
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", s.Port)
	}
	if strings.TrimSpace(s.Bind) == "" {
		return fmt.Errorf("server.bind must not be empty")
	}
	switch strings.ToLower(s.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("server.log.format %q unknown: want json|text", s.Log.Format)
	}
	if s.Log.Level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(s.Log.Level)); err != nil {
			return fmt.Errorf("server.log.level %q unknown: want debug|info|warn|error", s.Log.Level)
		}
	}
	if s.Session.QueueSize < 1 {
		return fmt.Errorf("server.session.queue_size must be at least 1")
	}
	if s.Session.WriteTimeout <= 0 {
		return fmt.Errorf("server.session.write_timeout must be positive")
	}
	if s.Session.PongWait <= 0 {
		return fmt.Errorf("server.session.pong_wait must be positive")
	}
	if s.Session.MaxMessageSize <= 0 {
		return fmt.Errorf("server.session.max_message_size must be positive")
	}
	if s.Session.EventRate < 0 {
		return fmt.Errorf("server.session.event_rate must not be negative")
	}
	if s.Channels.TTL < 0 {
		return fmt.Errorf("server.channels.ttl must not be negative")
	}
	switch s.Host.OnDisconnect {
	case OnDisconnectResume, OnDisconnectExit, "":
	default:
		return fmt.Errorf("server.host.on_disconnect %q unknown: want resume|exit", s.Host.OnDisconnect)
	}
	switch s.Host.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.host.auth.mode %q unknown: want apikey|none", s.Host.Auth.Mode)
	}
	return nil
}
