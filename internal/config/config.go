// Package config содержит логику чтения конфигурации магазина.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации магазина.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN"`
	BotUsername      string  `env:"BOT_USERNAME"`
	AdminIDs         []int64 `env:"ADMIN_IDS" envSeparator:","`
	AdminTokenHash   string  `env:"ADMIN_TOKEN_HASH"`

	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"5"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"starshop.orders"`

	ReferralReward      int64         `env:"REFERRAL_REWARD" envDefault:"10"`
	TxTimeout           time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`
	TxIsolation         string        `env:"TX_ISOLATION" envDefault:"read_committed"`
	DeliveryMaxAttempts int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"5"`

	RedeliverySchedule     string `env:"REDELIVERY_SCHEDULE" envDefault:"@every 1m"`
	DeferredReportSchedule string `env:"DEFERRED_REPORT_SCHEDULE" envDefault:"0 9 * * *"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и
// переменных окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
