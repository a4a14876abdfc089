package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/creditledger/internal/api"
	"github.com/honeynil/creditledger/internal/catalog"
	"github.com/honeynil/creditledger/internal/config"
	"github.com/honeynil/creditledger/internal/gateway"
	"github.com/honeynil/creditledger/internal/infrastructure/kafka"
	logging "github.com/honeynil/creditledger/internal/infrastructure/observability"
	"github.com/honeynil/creditledger/internal/infrastructure/redis"
	"github.com/honeynil/creditledger/internal/observability"
	"github.com/honeynil/creditledger/internal/repository"
	"github.com/honeynil/creditledger/internal/repository/memory"
	core "github.com/honeynil/creditledger/internal/repository/postgres"
	service "github.com/honeynil/creditledger/internal/services"
	_ "github.com/lib/pq"
)

const serviceName = "credit-ledger"

// loadConfig installs the JSON logger before reading configuration so that
// its log lines share the service's format. Setup later applies LOG_LEVEL.
func loadConfig() (*config.Config, error) {
	logging.InitLogger(slog.LevelInfo)
	return config.Load()
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.Setup(ctx, serviceName, cfg.LogLevel, cfg.OTLPEndpoint)
	defer shutdownTracing(context.Background())

	var store repository.LedgerStore
	switch cfg.LedgerStore {
	case config.StoreMemory:
		slog.Warn("using in-memory ledger store, balances are lost on restart")
		store = memory.New()
	default:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to open Postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := core.Migrate(ctx, db); err != nil {
			slog.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
		store = core.NewPostgresLedgerStore(db)
	}

	var redisClient redis.RedisClient
	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		redisClient = client
	}

	var producer kafka.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		p := kafka.NewProducer(cfg.KafkaBrokers)
		defer p.Close()
		producer = p
	}

	var adapters []gateway.Adapter
	if cfg.RazorpayKeyID != "" {
		adapters = append(adapters, gateway.NewOrderGateway(gateway.NewRazorpayClient(cfg.RazorpayKeyID, cfg.RazorpayKeySecret), cfg.GatewayTimeout))
	}
	if cfg.StripeSecretKey != "" {
		adapters = append(adapters, gateway.NewSessionGateway(gateway.NewStripeClient(cfg.StripeSecretKey), cfg.GatewayTimeout))
	}
	if len(adapters) == 0 {
		slog.Warn("no payment gateway configured, purchases will fail")
	}

	svc := service.NewLedgerService(store, catalog.Default(), adapters, redisClient, producer, service.Options{
		Currency:    cfg.Currency,
		FrontendURL: cfg.FrontendURL,
		EventsTopic: cfg.LedgerEventsTopic,
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.PaymentNotificationsTopic, cfg.KafkaGroupID, svc)
		defer consumer.Close()
		go consumer.Consume(ctx)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.SetupRouter(svc, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	slog.Info("server stopped")
}
