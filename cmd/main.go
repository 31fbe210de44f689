package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"store-sync-service/internal/clients/tiendanube"
	"store-sync-service/internal/config"
	"store-sync-service/internal/database"
	"store-sync-service/internal/encryption"
	"store-sync-service/internal/handlers"
	"store-sync-service/internal/jobs"
	"store-sync-service/internal/middleware"
	"store-sync-service/internal/repository"
	"store-sync-service/internal/retry"
	"store-sync-service/internal/secrets"
	"store-sync-service/internal/services"
)

func main() {
	// Local development reads a .env file; deployed environments set variables directly
	_ = godotenv.Load()

	cfg := config.Load()
	logger := newLogger(cfg)

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL, cfg.Environment)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.WithError(err).Fatal("Failed to migrate database")
	}
	logger.Info("Database models migrated")

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Invalid REDIS_URL")
	}
	if cfg.RedisPassword != "" {
		redisOpts.Password = cfg.RedisPassword
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	cancelPing()

	// Credential encryption
	cipher, keyLoader, err := loadCipher(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential encryption")
	}

	// Remote API client
	clientCfg := tiendanube.DefaultConfig()
	clientCfg.BaseURL = cfg.TiendanubeAPIURL
	clientCfg.UserAgent = cfg.TiendanubeUserAgent
	clientCfg.Timeout = cfg.APITimeout
	clientCfg.RateLimit = cfg.APIRateLimit
	clientCfg.RateBurst = cfg.APIRateBurst
	clientCfg.RetryPolicy.MaxRetries = cfg.APIMaxRetries
	clientCfg.RetryPolicy.BaseDelay = cfg.APIRetryBaseDelay
	newClient := tiendanube.NewFactory(clientCfg)

	// Initialize repositories
	storeRepo := repository.NewStoreRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	syncRepo := repository.NewSyncRepository(db)

	// Queue
	queueOpts := jobs.DefaultOptions()
	queueOpts.Prefix = cfg.QueuePrefix
	queueOpts.MaxAttempts = cfg.QueueMaxAttempts
	queueOpts.Backoff = retry.Policy{
		MaxRetries: cfg.QueueMaxAttempts - 1,
		BaseDelay:  cfg.QueueBackoff,
		Multiplier: 2,
	}
	queueOpts.KeepCompleted = int64(cfg.QueueKeepCompleted)
	queueOpts.KeepFailed = int64(cfg.QueueKeepFailed)
	queue := jobs.NewQueue(rdb, queueOpts)

	// Initialize services
	syncService := services.NewSyncService(storeRepo, catalogRepo, orderRepo, syncRepo, cipher, newClient,
		services.SyncOptions{
			PageSize:    cfg.SyncPageSize,
			OrderWindow: cfg.SyncOrderWindow,
		}, logger)
	storeService := services.NewStoreService(storeRepo, syncRepo, cipher, newClient, queue, cfg.SyncCron, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registered, err := storeService.RegisterRecurring(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to register recurring syncs")
	}
	logger.WithField("stores", registered).Info("Recurring syncs registered")

	// Start background processing
	worker := jobs.NewWorker(queue, syncService.HandleJob, jobs.WorkerOptions{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		JobTimeout:   cfg.SyncJobTimeout,
		LeaseTTL:     cfg.WorkerLeaseTTL,
	}, logger)
	if err := worker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync worker")
	}

	scheduler := jobs.NewScheduler(queue, cfg.SchedulerInterval, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync scheduler")
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, rdb)
	storeHandler := handlers.NewStoreHandler(storeService, logger)
	syncHandler := handlers.NewSyncHandler(storeService, queue, logger)

	router := setupRouter(cfg, logger, healthHandler, storeHandler, syncHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port": cfg.Port,
			"env":  cfg.Environment,
		}).Info("Store sync service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	scheduler.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Sync worker did not stop in time")
	}
	cancel()

	if err := rdb.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close Redis client")
	}
	if keyLoader != nil {
		_ = keyLoader.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("Store sync service stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// loadCipher reads the credential key from Secret Manager when configured,
// falling back to ENCRYPTION_KEY. The returned loader, if any, must be closed.
func loadCipher(cfg *config.Config, logger *logrus.Logger) (*encryption.CredentialCipher, *secrets.KeyLoader, error) {
	rawKey := cfg.EncryptionKey
	var loader *secrets.KeyLoader

	if cfg.GCPProjectID != "" && cfg.EncryptionKeySecret != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		l, err := secrets.NewGCPKeyLoader(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, err
		}
		payload, err := l.Load(ctx, cfg.EncryptionKeySecret)
		if err != nil {
			_ = l.Close()
			return nil, nil, err
		}
		rawKey = string(payload)
		loader = l
		logger.WithField("secret", cfg.EncryptionKeySecret).Info("Encryption key loaded from Secret Manager")
	}

	key, err := encryption.ParseKey(rawKey)
	if err != nil {
		if loader != nil {
			_ = loader.Close()
		}
		return nil, nil, err
	}
	cipher, err := encryption.NewCredentialCipher(key)
	if err != nil {
		if loader != nil {
			_ = loader.Close()
		}
		return nil, nil, err
	}
	return cipher, loader, nil
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	healthHandler *handlers.HealthHandler,
	storeHandler *handlers.StoreHandler,
	syncHandler *handlers.SyncHandler,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Security headers middleware
	router.Use(middleware.SecurityHeaders())

	// CORS middleware
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.UserMiddleware())

	// Health check
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Store onboarding
		v1.PUT("/stores", storeHandler.SaveConfig)

		// Sync
		stores := v1.Group("/stores/:id")
		{
			stores.GET("", storeHandler.GetConfig)
			stores.POST("/test", storeHandler.TestConnection)
			stores.POST("/sync", syncHandler.TriggerSync)
			stores.GET("/sync", syncHandler.GetSyncStatus)
		}
		v1.GET("/sync/jobs", syncHandler.ListJobs)
	}

	return router
}
