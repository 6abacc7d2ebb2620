// Package config содержит логику чтения конфигурации движка воронок.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultRedisStream    = "journey:stage-changed"
	defaultOutboxInterval = time.Second
)

// Config содержит параметры конфигурации движка воронок.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	MessagingURL   string        `env:"MESSAGING_URL"`
	RedisAddress   string        `env:"REDIS_ADDRESS"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisStream    string        `env:"REDIS_STREAM"`
	OutboxInterval time.Duration `env:"OUTBOX_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.MessagingURL, "m", "", "messaging layer base URL")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for stage change stream")
	flag.StringVar(&cfg.RedisStream, "s", defaultRedisStream, "redis stream key")
	flag.DurationVar(&cfg.OutboxInterval, "i", defaultOutboxInterval, "stage change relay poll interval")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.MessagingURL != "" {
		cfg.MessagingURL = fromEnv.MessagingURL
	}
	if fromEnv.RedisAddress != "" {
		cfg.RedisAddress = fromEnv.RedisAddress
	}
	if fromEnv.RedisStream != "" {
		cfg.RedisStream = fromEnv.RedisStream
	}
	if fromEnv.OutboxInterval != 0 {
		cfg.OutboxInterval = fromEnv.OutboxInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.RedisStream == "" {
		cfg.RedisStream = defaultRedisStream
	}
	if cfg.OutboxInterval <= 0 {
		return nil, fmt.Errorf("outbox interval must be positive, got %s", cfg.OutboxInterval)
	}

	return cfg, nil
}
