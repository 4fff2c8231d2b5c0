package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v72"

	"github.com/vedrankolka/contract-mailer/pkg/composer"
	"github.com/vedrankolka/contract-mailer/pkg/config"
	"github.com/vedrankolka/contract-mailer/pkg/customer"
	"github.com/vedrankolka/contract-mailer/pkg/customer/postgres"
	"github.com/vedrankolka/contract-mailer/pkg/customer/redis"
	stripestore "github.com/vedrankolka/contract-mailer/pkg/customer/stripe"
	"github.com/vedrankolka/contract-mailer/pkg/dispatcher"
	"github.com/vedrankolka/contract-mailer/pkg/event"
	"github.com/vedrankolka/contract-mailer/pkg/guard"
	"github.com/vedrankolka/contract-mailer/pkg/handler"
	"github.com/vedrankolka/contract-mailer/pkg/mailer"
	"github.com/vedrankolka/contract-mailer/pkg/notifier"
	"github.com/vedrankolka/contract-mailer/pkg/notifier/kafka"
	"github.com/vedrankolka/contract-mailer/pkg/notifier/rabbitmq"
	"github.com/vedrankolka/contract-mailer/pkg/policy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	for _, envFile := range os.Args[1:] {
		if err := godotenv.Load(envFile); err != nil {
			logger.Warn("could not load env file", "file", envFile, "error", err)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("cannot load config", "error", err)
		os.Exit(1)
	}

	// For sample support and debugging, not required for production:
	stripe.SetAppInfo(&stripe.AppInfo{
		Name:    "contract-mailer",
		Version: "0.1.0",
		URL:     "https://github.com/vedrankolka/contract-mailer",
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	rules := policy.Default()
	if cfg.RulesFile != "" {
		var err error
		if rules, err = policy.LoadFile(cfg.RulesFile); err != nil {
			return err
		}
	}
	logger.Info("amount policy loaded", "rules", len(rules.Rules()), "file", cfg.RulesFile)

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var guardOpts []guard.Option
	if cfg.DedupeAtomicClaim {
		guardOpts = append(guardOpts, guard.WithAtomicClaim())
	}
	g := guard.New(store, guardOpts...)
	if cfg.DedupeAtomicClaim && !g.Atomic() {
		logger.Warn("atomic claim requested but customer store does not support it", "store", cfg.CustomerStore)
	}

	c := composer.New(rules,
		composer.WithDefaultCustomerName(cfg.DefaultCustomerName),
		composer.WithServiceName(cfg.ServiceName),
		composer.WithContactEmail(cfg.FromEmail),
	)

	m, err := mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		Secure:   cfg.SMTPSecure,
		From:     cfg.FromEmail,
		Timeout:  cfg.SMTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("could not create mailer: %w", err)
	}

	sink, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("closing outcome notifiers failed", "error", err)
		}
	}()

	d := dispatcher.New(rules, c, g, store, m, sink)

	verifierOpts := []event.Option{event.WithTolerance(cfg.WebhookTolerance)}
	if cfg.WebhookIgnoreTolerance {
		logger.Warn("webhook timestamp check disabled, replayed events will be accepted")
		verifierOpts = []event.Option{event.WithoutTolerance()}
	}
	v, err := event.NewVerifier(cfg.StripeWebhookSecret, verifierOpts...)
	if err != nil {
		return fmt.Errorf("could not create verifier: %w", err)
	}

	webhookHandler := handler.NewHandler(v, d, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// All methods reach the handler so it can answer 405 with an Allow header.
	r.HandleFunc("/webhook", webhookHandler.HandleWebhook)
	r.Get("/health", webhookHandler.HandleHealth)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", "addr", server.Addr, "customer_store", cfg.CustomerStore)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server gracefully stopped")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (customer.Store, func(), error) {
	switch cfg.CustomerStore {
	case config.StorePostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("unable to reach database: %w", err)
		}
		store := postgres.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("customer store connected", "store", "postgres")
		return store, pool.Close, nil

	case config.StoreRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("unable to reach redis: %w", err)
		}
		logger.Info("customer store connected", "store", "redis", "prefix", cfg.RedisKeyPrefix)
		return redis.NewStore(client, cfg.RedisKeyPrefix), func() { _ = client.Close() }, nil

	case config.StoreMemory:
		logger.Warn("using in-memory customer store, annotations are lost on restart")
		return customer.NewMemoryStore(), func() {}, nil

	default:
		return stripestore.NewStoreWithKey(cfg.StripeSecretKey), func() {}, nil
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (notifier.Notifier, error) {
	sinks := notifier.Multi{notifier.NewLogNotifier(logger)}

	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		kn, err := kafka.NewKafkaNotifier(brokers, cfg.KafkaOutcomesTopic, cfg.KafkaUsername, cfg.KafkaPassword)
		if err != nil {
			return nil, fmt.Errorf("could not construct KafkaNotifier: %w", err)
		}
		sinks = append(sinks, notifier.ErrorLogging{Notifier: kn, Logger: logger})
		logger.Info("kafka outcome notifier enabled", "topic", cfg.KafkaOutcomesTopic)
	}

	if cfg.RabbitMQURL != "" {
		rn, err := rabbitmq.NewNotifier(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		sinks = append(sinks, notifier.ErrorLogging{Notifier: rn, Logger: logger})
		logger.Info("rabbitmq outcome notifier enabled")
	}

	return sinks, nil
}
