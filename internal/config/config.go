package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	// LedgerStore selects the ledger backend: postgres or memory.
	LedgerStore string
	// RedisAddr empty disables the credits cache and the shared initiate lock.
	RedisAddr string
	// KafkaBrokers empty disables ledger events and the notification consumer.
	KafkaBrokers              []string
	LedgerEventsTopic         string
	PaymentNotificationsTopic string
	KafkaGroupID              string
	JWTSecret                 string
	Currency                  string
	RazorpayKeyID             string
	RazorpayKeySecret         string
	StripeSecretKey           string
	FrontendURL               string
	OTLPEndpoint              string
	LogLevel                  string
	GatewayTimeout            time.Duration
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment", "error", err)
	}
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		HTTPAddr:                  get("HTTP_ADDR", ":8080"),
		PostgresDSN:               get("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=ledger sslmode=disable"),
		LedgerStore:               get("LEDGER_STORE", StorePostgres),
		RedisAddr:                 getenv("REDIS_ADDR"),
		KafkaBrokers:              splitList(getenv("KAFKA_BROKER")),
		LedgerEventsTopic:         get("LEDGER_EVENTS_TOPIC", "ledger-events"),
		PaymentNotificationsTopic: get("PAYMENT_NOTIFICATIONS_TOPIC", "payment-notifications"),
		KafkaGroupID:              get("KAFKA_GROUP_ID", "credit-ledger"),
		JWTSecret:                 getenv("JWT_SECRET"),
		Currency:                  get("CURRENCY", "INR"),
		RazorpayKeyID:             getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:         getenv("RAZORPAY_KEY_SECRET"),
		StripeSecretKey:           getenv("STRIPE_SECRET_KEY"),
		FrontendURL:               get("FRONTEND_URL", "http://localhost:5173"),
		OTLPEndpoint:              getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:                  get("LOG_LEVEL", "info"),
	}

	timeout, err := time.ParseDuration(get("GATEWAY_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
	}
	cfg.GatewayTimeout = timeout

	if cfg.LedgerStore != StorePostgres && cfg.LedgerStore != StoreMemory {
		return nil, fmt.Errorf("invalid LEDGER_STORE %q", cfg.LedgerStore)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"ledger_store", cfg.LedgerStore,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"order_gateway", cfg.RazorpayKeyID != "",
		"session_gateway", cfg.StripeSecretKey != "")
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
