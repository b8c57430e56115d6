// Package config loads the chat client configuration from defaults, an
// optional chatclient.yaml and CHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds.
const (
	TransportWS   = "ws"
	TransportNATS = "nats"
)

// Config is the full client configuration.
type Config struct {
	Token     string `mapstructure:"token"`
	Transport string `mapstructure:"transport"` // "ws" or "nats"

	User    UserConfig    `mapstructure:"user"`
	API     APIConfig     `mapstructure:"api"`
	Live    LiveConfig    `mapstructure:"live"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Session SessionConfig `mapstructure:"session"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// UserConfig names the user when the token carries no readable claims.
type UserConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type APIConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LiveConfig struct {
	URL          string        `mapstructure:"url"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type NATSConfig struct {
	URL             string `mapstructure:"url"`
	InboundSubject  string `mapstructure:"inbound_subject"`
	OutboundSubject string `mapstructure:"outbound_subject"`
}

// RedisConfig enables the Redis fallback cache when Addr is set.
type RedisConfig struct {
	Addr string        `mapstructure:"addr"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
}

// MetricsConfig exposes /metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// EnvPrefix prefixes every environment variable, e.g. CHAT_API_URL.
const EnvPrefix = "CHAT"

// New returns a viper instance with defaults, env binding and the optional
// config file search path. Flags can be bound on it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("token", "")
	v.SetDefault("transport", TransportWS)
	v.SetDefault("user.id", "")
	v.SetDefault("user.name", "")
	v.SetDefault("api.url", "http://127.0.0.1:8000")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("live.url", "ws://127.0.0.1:8000/ws")
	v.SetDefault("live.ping_interval", 30*time.Second)
	v.SetDefault("live.pong_timeout", 10*time.Second)
	v.SetDefault("live.write_timeout", 10*time.Second)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.inbound_subject", "chat.inbound")
	v.SetDefault("nats.outbound_subject", "chat.outbound")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("session.max_reconnects", 5)
	v.SetDefault("session.backoff_base", 500*time.Millisecond)
	v.SetDefault("session.backoff_max", 10*time.Second)
	v.SetDefault("session.handshake_timeout", 10*time.Second)
	v.SetDefault("session.confirm_timeout", 15*time.Second)
	v.SetDefault("metrics.addr", "")

	v.SetConfigName("chatclient")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/connectus")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file if one exists and decodes the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportWS, TransportNATS:
	default:
		return fmt.Errorf("config: unknown transport %q (want %q or %q)", c.Transport, TransportWS, TransportNATS)
	}
	if c.API.URL == "" {
		return errors.New("config: api.url is required")
	}
	if c.Session.MaxReconnects < 1 {
		return fmt.Errorf("config: session.max_reconnects must be at least 1, got %d", c.Session.MaxReconnects)
	}
	return nil
}
