// Package config содержит логику чтения конфигурации сервиса заказов кафе.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса заказов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisAddr   string `env:"REDIS_ADDR"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	PaymentGatewayURL string        `env:"PAYMENT_GATEWAY_URL"`
	PaymentKeyID      string        `env:"PAYMENT_KEY_ID"`
	PaymentKeySecret  string        `env:"PAYMENT_KEY_SECRET"`
	PaymentTimeout    time.Duration `env:"PAYMENT_TIMEOUT"`

	ReservationTTL time.Duration `env:"RESERVATION_TTL"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"`
	PickupWindow   time.Duration `env:"PICKUP_WINDOW"`

	AuthSecret     string  `env:"AUTH_SECRET"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	var brokers string

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for idempotency keys")
	flag.StringVar(&brokers, "kafka", "", "comma-separated kafka brokers for broadcasts")
	flag.StringVar(&cfg.PaymentGatewayURL, "payment-url", "", "payment gateway base URL")
	flag.StringVar(&cfg.PaymentKeyID, "payment-key", "", "payment gateway key id")
	flag.StringVar(&cfg.PaymentKeySecret, "payment-secret", "", "payment gateway key secret")
	flag.DurationVar(&cfg.PaymentTimeout, "payment-timeout", 10*time.Second, "payment intent timeout")
	flag.DurationVar(&cfg.ReservationTTL, "reservation-ttl", 5*time.Minute, "how long unpaid reservations are held")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 30*time.Second, "expired reservation sweep interval")
	flag.DurationVar(&cfg.PickupWindow, "pickup-window", 3*time.Hour, "how far ahead pickup may be scheduled")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", "", "secret for auth token signatures")
	flag.Float64Var(&cfg.RateLimitRPS, "rate-rps", 5, "order placement requests per second per user")
	flag.IntVar(&cfg.RateLimitBurst, "rate-burst", 10, "order placement burst per user")

	flag.Parse()

	if brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.RedisAddr != "" {
		cfg.RedisAddr = envCfg.RedisAddr
	}
	if len(envCfg.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = splitList(strings.Join(envCfg.KafkaBrokers, ","))
	}
	if envCfg.PaymentGatewayURL != "" {
		cfg.PaymentGatewayURL = envCfg.PaymentGatewayURL
	}
	if envCfg.PaymentKeyID != "" {
		cfg.PaymentKeyID = envCfg.PaymentKeyID
	}
	if envCfg.PaymentKeySecret != "" {
		cfg.PaymentKeySecret = envCfg.PaymentKeySecret
	}
	if envCfg.PaymentTimeout > 0 {
		cfg.PaymentTimeout = envCfg.PaymentTimeout
	}
	if envCfg.ReservationTTL > 0 {
		cfg.ReservationTTL = envCfg.ReservationTTL
	}
	if envCfg.SweepInterval > 0 {
		cfg.SweepInterval = envCfg.SweepInterval
	}
	if envCfg.PickupWindow > 0 {
		cfg.PickupWindow = envCfg.PickupWindow
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.RateLimitRPS > 0 {
		cfg.RateLimitRPS = envCfg.RateLimitRPS
	}
	if envCfg.RateLimitBurst > 0 {
		cfg.RateLimitBurst = envCfg.RateLimitBurst
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// PaymentMock сообщает, что ключи шлюза не заданы и платежи работают в тестовом режиме.
func (c *Config) PaymentMock() bool {
	return c.PaymentKeyID == "" || c.PaymentKeySecret == ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
