// Package config содержит логику чтения конфигурации сервиса агромаркета.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/agromarket/internal/integrity/lockout"
	"github.com/mmeshcher/agromarket/internal/integrity/ratelimit"
	"github.com/mmeshcher/agromarket/internal/integrity/suspicion"
)

// Config содержит параметры конфигурации сервиса агромаркета.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	AuthSecret           string `env:"AUTH_SECRET"`
	NotifyWebhookAddress string `env:"NOTIFY_WEBHOOK_ADDRESS"`

	AdminLogin    string `env:"ADMIN_LOGIN"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	CheckoutLimit  int           `env:"CHECKOUT_LIMIT" envDefault:"3"`
	CheckoutWindow time.Duration `env:"CHECKOUT_WINDOW" envDefault:"10m"`

	LockoutMaxAttempts int             `env:"LOCKOUT_MAX_ATTEMPTS" envDefault:"5"`
	LockoutDurations   []time.Duration `env:"LOCKOUT_DURATIONS" envSeparator:"," envDefault:"5m,15m,1h,6h,24h"`
	LockoutFailureTTL  time.Duration   `env:"LOCKOUT_FAILURE_TTL" envDefault:"24h"`

	SuspicionWindow     time.Duration `env:"SUSPICION_WINDOW" envDefault:"10m"`
	SuspicionMinCluster int           `env:"SUSPICION_MIN_CLUSTER" envDefault:"2"`

	PruneInterval time.Duration `env:"PRUNE_INTERVAL" envDefault:"1m"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envWebhookAddress := cfg.NotifyWebhookAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, empty runs on in-memory storage")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing auth cookies")
	flag.StringVar(&cfg.NotifyWebhookAddress, "w", "", "address of the notification webhook")

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
	if envWebhookAddress != "" {
		cfg.NotifyWebhookAddress = envWebhookAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CheckoutLimit <= 0 || c.CheckoutWindow <= 0 {
		return fmt.Errorf("checkout limit and window must be positive")
	}
	if c.LockoutMaxAttempts <= 0 || len(c.LockoutDurations) == 0 {
		return fmt.Errorf("lockout max attempts and durations are required")
	}
	for i, d := range c.LockoutDurations {
		if d <= 0 {
			return fmt.Errorf("lockout duration #%d must be positive", i+1)
		}
		if i > 0 && d < c.LockoutDurations[i-1] {
			return fmt.Errorf("lockout durations must not decrease")
		}
	}
	if c.SuspicionWindow <= 0 || c.SuspicionMinCluster < 2 {
		return fmt.Errorf("suspicion window must be positive and min cluster at least 2")
	}
	if (c.AdminLogin == "") != (c.AdminPassword == "") {
		return fmt.Errorf("admin login and password must be set together")
	}
	return nil
}

// RateLimitPolicy возвращает политику ограничителя оформлений.
func (c *Config) RateLimitPolicy() ratelimit.Policy {
	return ratelimit.Policy{Limit: c.CheckoutLimit, Window: c.CheckoutWindow}
}

// LockoutPolicy возвращает политику блокировки входа.
func (c *Config) LockoutPolicy() lockout.Policy {
	return lockout.Policy{
		MaxAttempts: c.LockoutMaxAttempts,
		Durations:   c.LockoutDurations,
		FailureTTL:  c.LockoutFailureTTL,
	}
}

// SuspicionPolicy возвращает политику детектора подозрительных заказов.
func (c *Config) SuspicionPolicy() suspicion.Policy {
	return suspicion.Policy{Window: c.SuspicionWindow, MinCluster: c.SuspicionMinCluster}
}
