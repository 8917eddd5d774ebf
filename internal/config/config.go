package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the orchestrator
// process. Values are loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaEventTopic string

	PGDSN         string
	RunMigrations bool

	IdentityURL string
	WalletURL   string

	PaymentProvider string // "wallet" or "stripe"
	StripeAPIKey    string
	StripeCurrency  string

	BaseFare        float64
	PerKmRate       float64
	PerMinuteRate   float64
	SurgeMultiplier float64

	DefaultMaxWait  time.Duration
	OfferWindow     time.Duration
	ReaperInterval  time.Duration
	NearbyRadiusKm  float64
	NearbyLimit     int
	BroadcastLimit  int

	SettlementAttempts  int
	SettlementBaseDelay time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:     "drivers_geo",
		KafkaEventTopic: "trip-events",

		IdentityURL: "http://localhost:8081",
		WalletURL:   "http://localhost:8082",

		PaymentProvider: "wallet",
		StripeCurrency:  "bdt",

		BaseFare:        30,
		PerKmRate:       15,
		PerMinuteRate:   0,
		SurgeMultiplier: 1,

		DefaultMaxWait: 10 * time.Minute,
		OfferWindow:    2 * time.Minute,
		ReaperInterval: time.Minute,
		NearbyRadiusKm: 5,
		NearbyLimit:    20,
		BroadcastLimit: 20,

		SettlementAttempts:  3,
		SettlementBaseDelay: 2 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.IdentityURL, "IDENTITY_URL")
	setStringFromEnv(&cfg.WalletURL, "WALLET_URL")

	setStringFromEnv(&cfg.PaymentProvider, "PAYMENT_PROVIDER")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setFloatFromEnv(&cfg.BaseFare, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.PerKmRate, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.PerMinuteRate, "FARE_PER_MINUTE", &errs)
	setFloatFromEnv(&cfg.SurgeMultiplier, "FARE_SURGE_MULTIPLIER", &errs)

	setDurationFromEnv(&cfg.DefaultMaxWait, "REQUEST_DEFAULT_MAX_WAIT", &errs)
	setDurationFromEnv(&cfg.OfferWindow, "OFFER_WINDOW", &errs)
	setDurationFromEnv(&cfg.ReaperInterval, "REQUEST_REAPER_INTERVAL", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusKm, "NEARBY_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)
	setIntFromEnv(&cfg.BroadcastLimit, "BROADCAST_LIMIT", &errs)

	setIntFromEnv(&cfg.SettlementAttempts, "SETTLEMENT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SettlementBaseDelay, "SETTLEMENT_BASE_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	switch cfg.PaymentProvider {
	case "wallet", "stripe":
	default:
		errs = append(errs, fmt.Errorf("PAYMENT_PROVIDER must be wallet or stripe, got %q", cfg.PaymentProvider))
	}
	if cfg.PaymentProvider == "stripe" && cfg.StripeAPIKey == "" {
		errs = append(errs, fmt.Errorf("STRIPE_API_KEY required when PAYMENT_PROVIDER=stripe"))
	}
	if cfg.BaseFare < 0 || cfg.PerKmRate < 0 || cfg.PerMinuteRate < 0 {
		errs = append(errs, fmt.Errorf("fare rates must be >= 0"))
	}
	if cfg.SettlementAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_ATTEMPTS must be > 0"))
	}
	if cfg.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
