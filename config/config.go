package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
	TransportRedis     = "redis"

	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	TokenStoreStatic = "static"
	TokenStoreFile   = "file"
	TokenStoreRedis  = "redis"
)

// Config is the full client configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
	Kickoff  KickoffConfig  `yaml:"kickoff"`
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RealtimeConfig holds the realtime channel and transport settings.
type RealtimeConfig struct {
	Transport string `yaml:"transport"` // websocket, sse or redis
	URL       string `yaml:"url"`
	SendURL   string `yaml:"send_url"` // SSE only

	Backoff           string        `yaml:"backoff"` // fixed or exponential
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	MaxAttempts       int           `yaml:"max_attempts"` // 0 retries forever

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
}

type SessionConfig struct {
	CheckTimeout      time.Duration `yaml:"check_timeout"`
	KickoffTimeout    time.Duration `yaml:"kickoff_timeout"`
	KickoffRetries    int           `yaml:"kickoff_retries"`
	KickoffRetryDelay time.Duration `yaml:"kickoff_retry_delay"`
	// Persist stores session snapshots in Redis.
	Persist     bool          `yaml:"persist"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// AuthConfig selects where the ID token comes from and how it is verified.
type AuthConfig struct {
	TokenStore string `yaml:"token_store"` // static, file or redis
	Token      string `yaml:"token"`
	TokenFile  string `yaml:"token_file"`
	// Secret verifies HS256 signatures. Empty skips verification.
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type KickoffConfig struct {
	URL string `yaml:"url"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig holds connection settings for the Redis transport and store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Realtime: RealtimeConfig{
			Transport:         TransportWebSocket,
			Backoff:           BackoffFixed,
			ReconnectDelay:    5 * time.Second,
			MaxReconnectDelay: time.Minute,
			HandshakeTimeout:  10 * time.Second,
			PingInterval:      30 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
		},
		Session: SessionConfig{
			CheckTimeout:      10 * time.Second,
			KickoffTimeout:    15 * time.Second,
			KickoffRetries:    3,
			KickoffRetryDelay: time.Second,
		},
		Auth: AuthConfig{TokenStore: TokenStoreStatic},
		HTTP: HTTPConfig{Addr: ":8088"},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "madonna:",
		},
	}
}

// Load reads a YAML file over the defaults. Environment variables in the
// file are expanded.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Realtime.Transport {
	case TransportWebSocket, TransportSSE:
		if c.Realtime.URL == "" {
			errs = append(errs, fmt.Errorf("realtime.url is required for the %s transport", c.Realtime.Transport))
		}
	case TransportRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown realtime transport %q", c.Realtime.Transport))
	}

	switch c.Realtime.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		errs = append(errs, fmt.Errorf("unknown backoff strategy %q", c.Realtime.Backoff))
	}
	if c.Realtime.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("realtime.reconnect_delay must be positive"))
	}
	if c.Realtime.MaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.max_attempts must not be negative"))
	}

	if c.Kickoff.URL == "" {
		errs = append(errs, errors.New("kickoff.url is required"))
	}
	if c.Session.CheckTimeout <= 0 || c.Session.KickoffTimeout <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.Session.KickoffRetries < 0 {
		errs = append(errs, errors.New("session.kickoff_retries must not be negative"))
	}

	switch c.Auth.TokenStore {
	case TokenStoreStatic, TokenStoreRedis:
	case TokenStoreFile:
		if c.Auth.TokenFile == "" {
			errs = append(errs, errors.New("auth.token_file is required for the file token store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token store %q", c.Auth.TokenStore))
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Realtime.Transport == TransportRedis ||
		c.Auth.TokenStore == TokenStoreRedis ||
		c.Session.Persist
}
