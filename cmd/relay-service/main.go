package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatbridge/relay/internal/api/handler"
	"github.com/chatbridge/relay/internal/api/router"
	"github.com/chatbridge/relay/internal/config"
	"github.com/chatbridge/relay/internal/relay/dispatcher"
	"github.com/chatbridge/relay/internal/relay/events"
	"github.com/chatbridge/relay/internal/relay/inbound"
	"github.com/chatbridge/relay/internal/relay/storage"
	"github.com/chatbridge/relay/internal/session"
	"github.com/chatbridge/relay/shared/logger"
	"github.com/chatbridge/relay/shared/postgresql"
	"github.com/chatbridge/relay/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("RELAY_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/relay-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting relay service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	// Initialize optional delivery-event publisher
	var publisher events.Publisher
	var rabbitClient *rabbitmq.Client
	if cfg.Events.Enabled {
		rabbitClient, err = rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.Events.RabbitMQ.Host,
			Port:               cfg.Events.RabbitMQ.Port,
			User:               cfg.Events.RabbitMQ.User,
			Password:           cfg.Events.RabbitMQ.Password,
			VHost:              cfg.Events.RabbitMQ.VHost,
			ExchangeName:       cfg.Events.RabbitMQ.Exchange.Name,
			ExchangeType:       cfg.Events.RabbitMQ.Exchange.Type,
			ExchangeDurable:    cfg.Events.RabbitMQ.Exchange.Durable,
			ExchangeAutoDelete: cfg.Events.RabbitMQ.Exchange.AutoDelete,
			RetryAttempts:      cfg.Events.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.Events.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.Events.RabbitMQ.Connection.Heartbeat,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		publisher = events.NewAMQPPublisher(rabbitClient)
	}

	// Context canceled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Acquire the session. A dispatcher with no session can do nothing
	// useful; acquisition failure is fatal.
	opener := session.NewGatewayOpener(&session.GatewayConfig{
		BaseURL:     cfg.Session.GatewayURL,
		APIKey:      cfg.Session.GatewayAPIKey,
		HTTPTimeout: cfg.Session.GatewayTimeout,
		PollWait:    cfg.Session.EventPollWait,
	}, appLogger.Logger)

	sessionManager := session.NewManager(&session.Config{
		Logger:      appLogger.Logger,
		Opener:      opener,
		ProfileDir:  cfg.Session.ProfileDir,
		MaxAttempts: cfg.Session.AcquireAttempts,
		BackoffBase: cfg.Session.AcquireBackoff,
	})
	defer sessionManager.Close()

	sess, err := sessionManager.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire session: %w", err)
	}

	var wg sync.WaitGroup

	// Start inbound relay
	inboundRelay := inbound.NewRelay(&inbound.Config{
		Logger:       appLogger.Logger,
		WebhookURL:   cfg.Webhook.URL,
		SharedSecret: cfg.Webhook.SharedSecret,
		HTTPTimeout:  cfg.Webhook.Timeout,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		inboundRelay.Run(ctx, sess.Inbound())
	}()

	// Start outbound dispatcher
	disp := dispatcher.NewDispatcher(&dispatcher.Config{
		Logger:       appLogger.Logger,
		Store:        store,
		Sessions:     sessionManager,
		Publisher:    publisher,
		PollInterval: cfg.Dispatcher.PollInterval,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()

	// Start HTTP server
	r := router.SetupRouter(&handler.Dependencies{
		Logger:   appLogger.Logger,
		Storage:  store,
		Sessions: sessionManager,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening",
			slog.Int("port", cfg.Server.Port),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("Relay service started successfully")

	select {
	case <-ctx.Done():
		appLogger.Info("Received shutdown signal, shutting down gracefully")
	case err := <-errChan:
		appLogger.Error("HTTP server error",
			slog.Any("error", err),
		)
		stop()
		wg.Wait()
		return err
	}

	// Shut down HTTP server first so no new jobs arrive mid-drain
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTP server shutdown failed",
			slog.Any("error", err),
		)
	}

	// Wait for dispatcher and inbound relay to drain
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	// Session close is deferred so it runs on every exit path
	appLogger.Info("Relay service shutdown complete")
	return nil
}
