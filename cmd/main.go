/**
 * @description
 * This is the main entry point for the transfer service. It loads configuration, connects to
 * PostgreSQL, RabbitMQ and Redis, builds the gateway client, the ledger repository, the transfer
 * orchestrator and the callback reconciler, and serves the HTTP API until it receives a
 * termination signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file before configuration is read.
 * - github.com/sirupsen/logrus: Structured logging.
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 * - github.com/redis/go-redis/v9: Backing store for the transfer rate limiter.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the Web3 gateway.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/godzika/sferocoinapi/internal/api"
	"github.com/godzika/sferocoinapi/internal/app"
	"github.com/godzika/sferocoinapi/internal/config"
	"github.com/godzika/sferocoinapi/internal/metrics"
	"github.com/godzika/sferocoinapi/internal/store"
	"github.com/godzika/sferocoinapi/pkg/gatewayclient"
	rmrabbit "github.com/godzika/sferocoinapi/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// A missing .env file is normal in deployed environments.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}
	configureLogging(cfg.LogLevel)
	log := logrus.WithField("component", "bootstrap")

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatal("database url must be configured (DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Fatal("jwt secret must be configured (AUTH_JWT_SECRET)")
	}
	if cfg.GatewayBaseURL == "" {
		log.Fatal("gateway base url must be configured (GATEWAY_BASE_URL)")
	}
	callbackURL, err := cfg.CallbackURL()
	if err != nil {
		log.WithError(err).Fatal("callback url invalid")
	}
	if cfg.GatewayCallbackSecret == "" {
		log.Warn("gateway callback secret not configured; webhook signatures are not verified")
	}

	log.WithField("port", cfg.ServerPort).Info("starting transfer service")

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.WithError(err).Fatal("database migrations failed")
		}
		log.Info("database migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMaxConns / 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer dbpool.Close()
	log.Info("database connected")

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Warn("rabbitmq url missing; transaction events are logged only (RABBITMQ_URL)")
	} else {
		eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			log.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		} else {
			defer eventProducer.Close()
			producer = eventProducer
			log.Info("rabbitmq producer connected")
		}
	}

	var redisClient *redis.Client
	if cfg.TransferRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Warn("redis url missing; transfer rate limiting disabled (REDIS_URL)")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.WithError(parseErr).Warn("redis url parse failed; transfer rate limiting disabled")
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.WithError(pingErr).Warn("redis ping failed; transfer rate limiting disabled")
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Info("redis connected")
				}
			}
		}
	}

	retry := gatewayclient.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.GatewayMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.GatewayInitialBackoffMs) * time.Millisecond
	retry.MaxBackoff = time.Duration(cfg.GatewayMaxBackoffMs) * time.Millisecond
	gatewayClient := gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout(), retry)
	gatewayClient.Observer = metrics.ObserveGatewayCall

	repository := store.NewPostgresRepository(dbpool)

	transferService := app.NewService(repository, gatewayClient, producer, app.Options{
		CallbackURL:        callbackURL,
		Asset:              cfg.TransferAsset,
		OperationType:      cfg.TransferOperationType,
		RequireEVMAddress:  cfg.RequireEVMAddress,
		SubmitTimeout:      cfg.SubmitTimeout(),
		RateLimitPerMinute: cfg.TransferRateLimitPerMinute,
	})
	if redisClient != nil {
		transferService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}
	reconciler := app.NewReconciler(repository, producer)

	scheduler := app.NewScheduler(app.NewJobs(repository, reconciler, producer, cfg.StaleTransferThreshold()))
	scheduler.Start(cfg.StaleSweepSchedule, cfg.UnmatchedReplaySchedule)

	// Replays published by operators are optional; the service runs without the broker.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.WithError(err).Warn("rabbitmq consumer unavailable; callback replay queue disabled")
		} else {
			defer rabbitConsumer.Close()
			replayConsumer := app.NewReplayConsumer(reconciler)
			bindings := map[string]func([]byte) bool{
				app.ReplayRoutingKey: replayConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.CallbackReplayQueue, bindings); err != nil {
				log.WithError(err).Warn("callback replay consumer start failed")
			}
		}
	}

	router := api.TransferRoutes(
		api.NewTransferHandlers(transferService),
		api.NewWebhookHandler(reconciler, cfg.GatewayCallbackSecret),
		api.RouterConfig{
			Auth: api.AuthConfig{
				Secret:   cfg.AuthJWTSecret,
				Issuer:   cfg.AuthJWTIssuer,
				Audience: cfg.AuthJWTAudience,
			},
			AllowedOrigins: cfg.AllowedOrigins(),
			CallbackPath:   cfg.CallbackPath,
		},
	)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{"component": "http", "addr": serverAddr}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("component", "http").WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logrus.WithField("component", "http").Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.WithField("component", "http").WithError(err).Error("shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logrus.WithField("component", "scheduler").Warn("jobs still running at shutdown")
	}

	logrus.WithField("component", "http").Info("shutdown complete")
}

func configureLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logrus.SetOutput(os.Stdout)
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logrus.WithField("level", level).Warn("unknown log level; using info")
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}
