// Package config содержит логику чтения конфигурации сервиса shopcore.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса shopcore.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	RedisAddress  string `env:"REDIS_ADDRESS"`
	NotifyAddress string `env:"NOTIFY_ADDRESS"`

	OutboxWorkers    int `env:"OUTBOX_WORKERS"`
	OutboxMaxRetries int `env:"OUTBOX_MAX_RETRIES"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envNotifyAddress := cfg.NotifyAddress
	envOutboxWorkers := cfg.OutboxWorkers
	envOutboxMaxRetries := cfg.OutboxMaxRetries

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "localhost:6379", "redis address for the issuance ledger")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification endpoint address")
	flag.IntVar(&cfg.OutboxWorkers, "w", 4, "number of outbox dispatcher workers")
	flag.IntVar(&cfg.OutboxMaxRetries, "m", 3, "max dispatch attempts before dead letter")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envOutboxWorkers > 0 {
		cfg.OutboxWorkers = envOutboxWorkers
	}
	if envOutboxMaxRetries > 0 {
		cfg.OutboxMaxRetries = envOutboxMaxRetries
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.OutboxWorkers <= 0 {
		cfg.OutboxWorkers = 4
	}
	if cfg.OutboxMaxRetries <= 0 {
		cfg.OutboxMaxRetries = 3
	}

	return cfg, nil
}
