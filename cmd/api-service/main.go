package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/struktr-app/parser/internal/account"
	"github.com/struktr-app/parser/internal/admission"
	"github.com/struktr-app/parser/internal/api/handler"
	"github.com/struktr-app/parser/internal/api/router"
	"github.com/struktr-app/parser/internal/batch"
	"github.com/struktr-app/parser/internal/blob"
	"github.com/struktr-app/parser/internal/config"
	"github.com/struktr-app/parser/internal/deadletter"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine/pdftext"
	"github.com/struktr-app/parser/internal/scheduler"
	"github.com/struktr-app/parser/internal/source"
	"github.com/struktr-app/parser/internal/store"
	"github.com/struktr-app/parser/internal/store/memory"
	"github.com/struktr-app/parser/internal/store/sqlstore"
	"github.com/struktr-app/parser/internal/webhook"
	"github.com/struktr-app/parser/shared/database"
	"github.com/struktr-app/parser/shared/logger"
	s3 "github.com/struktr-app/parser/shared/minio"
	"github.com/struktr-app/parser/shared/rabbitmq"
	"github.com/struktr-app/parser/shared/redis"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
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
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	accounts, err := account.NewRegistry(cfg.Accounts)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	// Initialize the job store
	st, dbClient, err := initStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if dbClient != nil {
		defer dbClient.Close()
	}

	blobs, err := initBlobs(ctx, &cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Dead letters go to RabbitMQ when enabled, otherwise straight to the store
	var (
		rabbitClient *rabbitmq.Client
		deadLetters  webhook.DeadLetterSink = storeSink{st}
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		deadLetters = deadletter.NewPublisher(rabbitClient, appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	}

	limiter, redisClient, err := initLimiter(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize admission control: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sched := scheduler.New(scheduler.Config{
		Logger: appLogger.Logger,
		Store:  st,
		Blobs:  blobs,
		Fetcher: source.NewFetcher(source.Config{
			Timeout:   cfg.Fetch.Timeout,
			MaxSize:   cfg.Fetch.MaxSize,
			UserAgent: cfg.Fetch.UserAgent,
		}, appLogger.Logger),
		Engine: pdftext.New(pdftext.Config{OCR: pdftext.OCRConfig{
			Pdftoppm:    cfg.Engine.OCR.Pdftoppm,
			Tesseract:   cfg.Engine.OCR.Tesseract,
			DPI:         cfg.Engine.OCR.DPI,
			MaxPages:    cfg.Engine.OCR.MaxPages,
			TessdataDir: cfg.Engine.OCR.TessdataDir,
		}}, appLogger.Logger),
		WorkerID:     cfg.Scheduler.WorkerID,
		Concurrency:  cfg.Scheduler.Concurrency,
		QueueDepth:   cfg.Scheduler.QueueDepth,
		MaxFileSize:  cfg.Scheduler.MaxFileSize,
		SyncTimeout:  cfg.Scheduler.SyncTimeout,
		AsyncTimeout: cfg.Scheduler.AsyncTimeout,
	})

	dispatcher := webhook.NewDispatcher(webhook.Config{
		Logger:      appLogger.Logger,
		Store:       st,
		Secrets:     accounts,
		DeadLetters: deadLetters,
		Timeout:     cfg.Webhook.Timeout,
		Concurrency: cfg.Webhook.Concurrency,
	})

	coordinator := batch.NewCoordinator(batch.Config{
		Logger:           appLogger.Logger,
		Store:            st,
		Scheduler:        sched,
		Notifier:         dispatcher,
		MaxSize:          cfg.Batch.MaxSize,
		ProgressInterval: cfg.Batch.ProgressInterval,
	})

	sched.Subscribe(dispatcher.NotifyDocument)
	sched.Subscribe(coordinator.OnJobTerminal)

	if err := dispatcher.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover webhook deliveries: %w", err)
	}
	sched.Start(ctx)
	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if err := coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover batches: %w", err)
	}

	// Initialize router
	var dbHealth handler.HealthChecker
	if dbClient != nil {
		dbHealth = dbClient
	}
	r := initRouter(cfg, &handler.Dependencies{
		Logger:             appLogger.Logger,
		Scheduler:          sched,
		Batches:            coordinator,
		Webhooks:           dispatcher,
		Accounts:           accounts,
		Limiter:            limiter,
		Database:           dbHealth,
		MaxUploadSize:      cfg.Server.MaxUploadSize,
		MaxBatchUploadSize: cfg.Server.MaxBatchUploadSize,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// In-flight jobs finish, and their webhooks are enqueued, before
	// pending deliveries are parked.
	sched.Stop()
	stop()
	dispatcher.Stop()

	appLogger.Info("Server shutdown complete")
	return nil
}

// storeSink records dead letters directly when no broker is configured.
type storeSink struct {
	store store.DeadLetterStore
}

func (s storeSink) Publish(ctx context.Context, dl *domain.DeadLetter) error {
	return s.store.RecordDeadLetter(ctx, dl)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStore opens the configured database and migrates it. The memory driver
// returns a nil client.
func initStore(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (store.Store, *database.Client, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, jobs will not survive a restart")
		return memory.New(), nil, nil
	}

	dbClient, err := initDatabase(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	st := sqlstore.NewStorage(dbClient.GetDB(), logger)
	if err := st.Migrate(ctx); err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Database connection established", slog.String("stats", dbClient.Stats()))
	return st, dbClient, nil
}

// initDatabase initializes the SQL database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initBlobs selects the document store
func initBlobs(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (blob.Store, error) {
	if cfg.Backend != "minio" {
		return blob.NewMemoryStore(), nil
	}

	client, err := s3.NewClient(ctx, s3.Config{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		Region:    cfg.Minio.Region,
		UseSSL:    cfg.Minio.UseSSL,
	}, logger)
	if err != nil {
		return nil, err
	}
	return blob.NewMinioStore(client), nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initLimiter builds the admission limiter. Redis counters are shared across
// replicas; memory counters are per process.
func initLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (admission.Limiter, *goredis.Client, error) {
	plans := cfg.Admission.Plans.Merge(admission.DefaultPlans)

	if cfg.Admission.Backend != "redis" {
		return admission.NewMemoryLimiter(plans), nil, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return admission.NewRedisLimiter(client, plans, cfg.Admission.Prefix), client, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
