package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avatarforge/api/internal/config"
	"github.com/avatarforge/api/internal/database"
	"github.com/avatarforge/api/internal/eventbus"
	"github.com/avatarforge/api/internal/handlers"
	"github.com/avatarforge/api/internal/invoker"
	"github.com/avatarforge/api/internal/middleware"
	"github.com/avatarforge/api/internal/orchestrator"
	"github.com/avatarforge/api/internal/persister"
	"github.com/avatarforge/api/internal/pipeline"
	"github.com/avatarforge/api/internal/provider"
	"github.com/avatarforge/api/internal/storage"
	"github.com/avatarforge/api/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const serviceName = "avatarforge-api"

func main() {
	ctx := context.Background()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("avatarforge api starting",
		zap.String("environment", cfg.Environment),
		zap.String("storage_backend", cfg.StorageBackend),
	)

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			// Tracing is optional; the collector may be down.
			logger.Error("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				if err := shutdownTracer(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", zap.Error(err))
				}
			}()
		}
	}

	catalog, err := config.LoadStyleCatalog(cfg.StyleCatalogPath)
	if err != nil {
		logger.Fatal("invalid style catalog", zap.Error(err))
	}
	logger.Info("style catalog loaded", zap.Strings("styles", catalog.Tags()))

	store, err := newObjectStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}

	providerClient, err := provider.NewClient(provider.Config{
		BaseURL:           cfg.ProviderBaseURL,
		Token:             cfg.ProviderToken,
		PollInterval:      cfg.ProviderPollInterval,
		Timeout:           cfg.ProviderTimeout,
		RequestsPerSecond: cfg.ProviderRPS,
	}, logger.Named("provider"))
	if err != nil {
		logger.Fatal("failed to initialize provider client", zap.Error(err))
	}
	if cfg.ProviderToken == "" {
		logger.Warn("REPLICATE_API_TOKEN is not set; provider calls will be rejected")
	}

	breaker := provider.NewCircuitBreaker(cfg.BreakerFailureThreshold, 1, cfg.BreakerCooldown)
	breaker.OnStateChange = func(from, to provider.CircuitState) {
		logger.Warn("provider circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}

	health := handlers.NewHealthHandler()
	health.Register("storage", store)
	health.Register("provider", providerClient)

	var coordOpts []pipeline.Option
	var avatarOpts []handlers.AvatarOption

	// Postgres: run audit log (optional)
	if cfg.DatabaseURL != "" {
		if err := database.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		runStore := database.NewRunStore(db.Pool())
		coordOpts = append(coordOpts, pipeline.WithRecorder(runStore))
		avatarOpts = append(avatarOpts, handlers.WithRunHistory(runStore))
		health.Register("database", db)
	} else {
		health.Register("database", nil)
	}

	// Redis: async run status (optional)
	var runStates handlers.RunStateStore
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		runStates = database.NewRunStateCache(rdb, cfg.RunStatusTTL)
		health.Register("redis", rdb)
	} else {
		health.Register("redis", nil)
	}

	// NATS: run events (optional, never fatal)
	if cfg.NATSURL != "" {
		bus, err := eventbus.Connect(cfg.NATSURL, logger.Named("eventbus"))
		if err != nil {
			logger.Error("failed to connect to NATS", zap.Error(err))
			health.Register("nats", nil)
		} else {
			defer bus.Close()
			if err := bus.EnsureStream(); err != nil {
				logger.Error("failed to ensure event stream", zap.Error(err))
			}
			coordOpts = append(coordOpts, pipeline.WithEvents(bus))
			health.Register("nats", bus)
		}
	} else {
		health.Register("nats", nil)
	}

	inv := invoker.New(providerClient, invoker.Config{
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
	}, logger.Named("invoker"), invoker.WithBreaker(breaker))

	coord := pipeline.NewCoordinator(
		catalog,
		inv,
		orchestrator.New(logger.Named("orchestrator")),
		persister.New(store, persister.Config{
			BufferSize:   cfg.CopyBufferSize,
			CacheControl: cfg.StorageCacheControl,
		}, logger.Named("persister")),
		store,
		pipeline.Config{SignedURLExpiry: cfg.SignedURLExpiry, Timeout: cfg.PipelineTimeout},
		logger.Named("pipeline"),
		coordOpts...,
	)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))

	router.GET("/health", health.Health)
	router.GET("/health/deep", health.DeepHealth)
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	avatarOpts = append(avatarOpts, handlers.WithSubjectLimiter(middleware.NewRateLimiter(cfg.SubjectRunsPerMinute, 1)))
	avatarHandler := handlers.NewAvatarHandler(coord, store, runStates, logger.Named("avatars"), avatarOpts...)
	imageHandler := handlers.NewImageHandler(coord, logger.Named("images"))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(cfg.RateLimitPerMinute, 5), middleware.ClientIPKey))
	{
		avatars := v1.Group("/avatars")
		{
			avatars.POST("/generate", middleware.CircuitBreakerMiddleware(breaker), avatarHandler.GenerateAvatars)
			avatars.GET("/runs/:id", avatarHandler.GetRunStatus)
			avatars.POST("/:subjectId/upload-url", avatarHandler.CreateUploadURL)
		}

		images := v1.Group("/images")
		images.Use(middleware.CircuitBreakerMiddleware(breaker))
		{
			images.POST("/send", imageHandler.SendImage)
		}
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Synchronous runs hold the response open for the whole pipeline.
		WriteTimeout: cfg.PipelineTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	// Runs still going after the drain window are cancelled and marked failed.
	if err := avatarHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background runs interrupted at shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}

func newObjectStore(cfg *config.Config, logger *zap.Logger) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "memory":
		logger.Warn("using in-memory object store; assets are lost on restart")
		return storage.NewMemoryStore("http://localhost:" + cfg.Port + "/storage"), nil
	case "supabase", "":
		return storage.NewSupabaseStore(storage.SupabaseConfig{
			ProjectURL: cfg.SupabaseURL,
			ServiceKey: cfg.SupabaseServiceKey,
			Bucket:     cfg.StorageBucket,
		}, logger.Named("storage"))
	}
	return nil, errors.New("unknown STORAGE_BACKEND " + cfg.StorageBackend)
}
