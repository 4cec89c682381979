/**
 * @description
 * This is the main entry point for the billing-service.
 * It initializes and wires together all the components of the application,
 * including configuration, the billing store, the Razorpay and identity clients,
 * the optional Redis create-subscription quota and RabbitMQ producer, the service and the HTTP router.
 * Finally, it starts the HTTP server to listen for incoming requests.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/billing-service/internal/api"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/config"
	"github.com/transfa/billing-service/internal/store"
	"github.com/transfa/billing-service/pkg/identityclient"
	"github.com/transfa/billing-service/pkg/rabbitmq"
	"github.com/transfa/billing-service/pkg/razorpayclient"
)

func maskURLForLog(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.ServerConfigured() {
		logger.Warn("identity or billing store settings missing; requests will be rejected", "env", "SUPABASE_URL/ANON_KEY/SERVICE_ROLE_KEY")
	}
	if !cfg.BillingConfigured() {
		logger.Warn("razorpay settings missing; requests will be rejected", "env", "RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET/RAZORPAY_PLAN_ID")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Billing store: direct Postgres when DATABASE_URL is set, PostgREST otherwise.
	var repository app.Repository
	if cfg.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to parse database URL", "error", err)
			os.Exit(1)
		}

		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Simple protocol keeps PgBouncer transaction pooling happy (SQLSTATE 42P05).
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established", "database_url", maskURLForLog(cfg.DatabaseURL))

		repository = store.NewPostgresRepository(dbpool)
	} else {
		logger.Info("DATABASE_URL not set; using PostgREST billing store", "supabase_url", cfg.SupabaseURL)
		repository = store.NewRESTRepository(cfg.SupabaseURL, cfg.ServiceRoleKey)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set; billing events will not be published")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "url", maskURLForLog(cfg.RabbitMQURL), "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected", "exchange", cfg.BillingEventExchange)
	}
	defer publisher.Close()

	var limiter api.RateLimiter
	if cfg.CreateSubscriptionRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			logger.Warn("redis url missing; create-subscription rate limiting disabled", "env", "REDIS_URL")
		} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
			logger.Warn("redis url parse failed; create-subscription rate limiting disabled", "error", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; create-subscription rate limiting disabled", "error", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewSubscriptionQuota(redisClient, cfg.RedisRateLimitPrefix, cfg.CreateSubscriptionRateLimitPerMinute)
				logger.Info("redis connected", "limit_per_minute", cfg.CreateSubscriptionRateLimitPerMinute)
			}
		}
	}

	razorpayClient := razorpayclient.NewClient(cfg.RazorpayAPIBaseURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
	identityClient := identityclient.NewClient(cfg.SupabaseURL, cfg.AnonKey)

	service := app.NewService(repository, razorpayClient, publisher, app.Settings{
		KeyID:         cfg.RazorpayKeyID,
		PlanID:        cfg.RazorpayPlanID,
		TotalCount:    cfg.RazorpayTotalCount,
		EventExchange: cfg.BillingEventExchange,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := api.NewMetrics(registry)

	handler := api.NewHandler(api.HandlerConfig{
		ServerConfigured:  cfg.ServerConfigured(),
		BillingConfigured: cfg.BillingConfigured(),
	}, identityClient, service, limiter, metrics)
	router := api.NewRouter(handler, registry)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
