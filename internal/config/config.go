// Package config handles configuration loading and validation for chatrelay.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"chatrelay/internal/ratelimit"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CHATRELAY_"

// Config holds the application configuration.
type Config struct {
	Addr             string          `yaml:"addr" env:"ADDR"`
	DBPath           string          `yaml:"db_path" env:"DB_PATH"`
	Redis            RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	SubstrateTimeout time.Duration   `yaml:"substrate_timeout" env:"SUBSTRATE_TIMEOUT"`
	Limits           LimitsConfig    `yaml:"limits" envPrefix:"LIMITS_"`
	TypingTTL        time.Duration   `yaml:"typing_ttl" env:"TYPING_TTL"`
	History          HistoryConfig   `yaml:"history" envPrefix:"HISTORY_"`
	WebSocket        WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig locates the shared substrate.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// LimitConfig allows Max events per Window.
type LimitConfig struct {
	Window time.Duration `yaml:"window" env:"WINDOW"`
	Max    int           `yaml:"max" env:"MAX"`
}

// LimitsConfig holds the message and typing rate limits.
type LimitsConfig struct {
	Message LimitConfig `yaml:"message" envPrefix:"MESSAGE_"`
	Typing  LimitConfig `yaml:"typing" envPrefix:"TYPING_"`
}

// HistoryConfig bounds the page size of the history endpoint.
type HistoryConfig struct {
	DefaultLimit int `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	MaxLimit     int `yaml:"max_limit" env:"MAX_LIMIT"`
}

// WebSocketConfig tunes the client transport.
type WebSocketConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	SendBuffer     int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	PongWait       time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	PingPeriod     time.Duration `yaml:"ping_period" env:"PING_PERIOD"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
}

// Default returns a Config with the stock settings.
func Default() Config {
	rules := ratelimit.DefaultRules()
	return Config{
		Addr:   ":3000",
		DBPath: "chat.db",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		SubstrateTimeout: 2 * time.Second,
		Limits: LimitsConfig{
			Message: LimitConfig{Window: rules[ratelimit.KindMessage].Window, Max: rules[ratelimit.KindMessage].Max},
			Typing:  LimitConfig{Window: rules[ratelimit.KindTyping].Window, Max: rules[ratelimit.KindTyping].Max},
		},
		TypingTTL: 3 * time.Second,
		History: HistoryConfig{
			DefaultLimit: 50,
			MaxLimit:     100,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 4096,
			SendBuffer:     256,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			WriteWait:      10 * time.Second,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and CHATRELAY_ environment variables, in that order. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path cannot be empty")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr cannot be empty")
	}
	if c.SubstrateTimeout <= 0 {
		return errors.New("substrate_timeout must be positive")
	}
	for name, l := range map[string]LimitConfig{"message": c.Limits.Message, "typing": c.Limits.Typing} {
		if l.Window <= 0 || l.Max < 1 {
			return fmt.Errorf("limits.%s needs a positive window and max", name)
		}
	}
	if c.TypingTTL <= 0 {
		return errors.New("typing_ttl must be positive")
	}
	if c.History.DefaultLimit < 1 || c.History.MaxLimit < 1 {
		return errors.New("history limits must be at least 1")
	}
	if c.History.DefaultLimit > c.History.MaxLimit {
		return errors.New("history.default_limit cannot exceed history.max_limit")
	}
	if c.WebSocket.MaxMessageSize < 1 || c.WebSocket.SendBuffer < 1 {
		return errors.New("websocket.max_message_size and websocket.send_buffer must be at least 1")
	}
	if c.WebSocket.PongWait <= 0 || c.WebSocket.WriteWait <= 0 {
		return errors.New("websocket.pong_wait and websocket.write_wait must be positive")
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return errors.New("websocket.ping_period must be positive and shorter than websocket.pong_wait")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

// RateRules converts the configured limits for the rate limiter.
func (c *Config) RateRules() map[ratelimit.Kind]ratelimit.Rule {
	return map[ratelimit.Kind]ratelimit.Rule{
		ratelimit.KindMessage: {Window: c.Limits.Message.Window, Max: c.Limits.Message.Max},
		ratelimit.KindTyping:  {Window: c.Limits.Typing.Window, Max: c.Limits.Typing.Max},
	}
}
