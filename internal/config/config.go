// Package config содержит логику чтения конфигурации сервиса питчпоинтс.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса питчпоинтс.
type Config struct {
	RunAddress  string        `env:"RUN_ADDRESS"`
	DatabaseURI string        `env:"DATABASE_URI"`
	AuthSecret  string        `env:"AUTH_SECRET"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	CacheTTL    time.Duration `env:"CACHE_TTL"`
	AMQPURL     string        `env:"AMQP_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения переменных окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envRedisAddr := cfg.RedisAddr
	envCacheTTL := cfg.CacheTTL
	envAMQPURL := cfg.AMQPURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookie signing")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for catalog cache")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", 5*time.Minute, "catalog cache TTL")
	flag.StringVar(&cfg.AMQPURL, "q", "", "AMQP broker URL for booking events")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}
	if envCacheTTL != 0 {
		cfg.CacheTTL = envCacheTTL
	}
	if envAMQPURL != "" {
		cfg.AMQPURL = envAMQPURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
