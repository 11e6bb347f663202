package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/posture-screen/server/cache"
	"github.com/san-kum/posture-screen/server/config"
	"github.com/san-kum/posture-screen/server/flow"
	"github.com/san-kum/posture-screen/server/handlers"
	"github.com/san-kum/posture-screen/server/middleware"
	"github.com/san-kum/posture-screen/server/ml"
	"github.com/san-kum/posture-screen/server/processor"
	"github.com/san-kum/posture-screen/server/storage"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	processor   *processor.AnalysisProcessor
	mlClient    *ml.Client
	cache       cache.Cache
	store       *storage.Store
	sessions    *flow.Manager
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	cfg := config.LoadConfig()

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}
	server.mlClient.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop taking requests before the workers go away
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()
	logger.Info("Server exited")
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	cacheInstance := newCache(cfg, logger)

	mlClient, err := ml.NewClient(cfg.ML.BaseURL, &ml.ClientConfig{
		Timeout:             cfg.ML.Timeout,
		MaxRetries:          cfg.ML.MaxRetries,
		RetryDelay:          cfg.ML.RetryDelay,
		HealthCheckInterval: cfg.ML.HealthCheckInterval,
	}, logger)
	if err != nil {
		cacheInstance.Close()
		return nil, fmt.Errorf("failed to create ML client: %w", err)
	}

	// history is optional; a nil interface keeps the processor from storing
	var (
		store       *storage.Store
		reportStore processor.ReportStore
	)
	if cfg.Storage.Path != "" {
		store, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			cacheInstance.Close()
			return nil, fmt.Errorf("failed to open report store: %w", err)
		}
		reportStore = store
	}

	analysisProcessor := processor.NewAnalysisProcessor(mlClient, cacheInstance, reportStore, &processor.ProcessorConfig{
		MaxQueueSize:     cfg.Processor.QueueSize,
		MaxWorkers:       cfg.Processor.Workers,
		DetectionTimeout: cfg.ML.Timeout + time.Second,
		CacheTTL:         cfg.Processor.CacheTTL,
	}, logger)

	sessions := flow.NewManager(cfg.Session.IdleTTL, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	s := &Server{
		router:      router,
		logger:      logger,
		processor:   analysisProcessor,
		mlClient:    mlClient,
		cache:       cacheInstance,
		store:       store,
		sessions:    sessions,
		rateLimiter: rateLimiter,
		config:      cfg,
	}
	s.setupRoutes(authMiddleware)

	return s, nil
}

// newCache prefers Redis and falls back to memory when it is not configured
// or cannot be reached.
func newCache(cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.Redis.Host != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		redisCache, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Processor.CacheTTL,
		}, logger)
		if err == nil {
			return redisCache
		}
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
	}
	return cache.NewMemoryCache(cfg.Processor.CacheSize, cfg.Processor.CacheTTL, logger)
}

func (s *Server) setupRoutes(auth *middleware.AuthMiddleware) {
	wsHandler := handlers.NewWebSocketHandler(s.processor, s.config.Security.AllowedOrigins, s.logger)
	analysisHandler := handlers.NewAnalysisHandler(s.processor, s.logger)
	sessionHandler := handlers.NewSessionHandler(s.sessions, s.processor, s.logger)

	health := middleware.HealthCheck(s.healthProbes())
	s.router.GET("/health", health)

	s.router.GET("/ws", s.rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := s.router.Group("/api/v1")
	{
		api.GET("/health", health)

		limited := api.Group("/")
		limited.Use(s.rateLimiter.RateLimit())
		{
			limited.POST("/analyze", analysisHandler.Analyze)
			limited.POST("/score", analysisHandler.Score)
			limited.GET("/stats", analysisHandler.GetStats)

			limited.POST("/sessions", sessionHandler.Create)
			limited.GET("/sessions/:id", sessionHandler.Get)
			limited.DELETE("/sessions/:id", sessionHandler.Delete)
			limited.POST("/sessions/:id/events", sessionHandler.Fire)
			limited.PUT("/sessions/:id/images/:view", sessionHandler.PutImage)
			limited.DELETE("/sessions/:id/images/:view", sessionHandler.DeleteImage)
			limited.POST("/sessions/:id/analyze", sessionHandler.Analyze)

			if s.store != nil {
				reportHandler := handlers.NewReportHandler(s.store)
				limited.GET("/reports", reportHandler.List)
				limited.GET("/reports/compare", reportHandler.Compare)
				limited.GET("/reports/:id", reportHandler.Get)
			}
		}

		admin := api.Group("/admin")
		admin.Use(auth.RequireAuth())
		admin.Use(auth.RequireRole(middleware.RoleAdmin))
		{
			admin.GET("/stats", analysisHandler.GetStats)
			admin.GET("/cache-stats", analysisHandler.GetCacheStats)
			admin.GET("/model-info", s.modelInfo)
			admin.GET("/rate-limits", func(c *gin.Context) {
				c.JSON(http.StatusOK, s.rateLimiter.GetGlobalStats())
			})
			admin.GET("/sessions", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"active_sessions": s.sessions.Len()})
			})
		}
	}
}

func (s *Server) healthProbes() map[string]middleware.Probe {
	probes := map[string]middleware.Probe{
		"detector": func(context.Context) error {
			if !s.mlClient.Healthy() {
				return errors.New("keypoint detector unreachable")
			}
			return nil
		},
		"cache": func(ctx context.Context) error {
			_, err := s.cache.GetStats(ctx)
			return err
		},
	}
	if s.store != nil {
		probes["storage"] = func(ctx context.Context) error {
			_, err := s.store.History(ctx, "", 1)
			return err
		}
	}
	return probes
}

func (s *Server) modelInfo(c *gin.Context) {
	info, err := s.mlClient.GetModelInfo(c.Request.Context())
	if err != nil {
		s.logger.Warn("Failed to get model info", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Keypoint detector unavailable"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Close releases everything NewServer acquired.
func (s *Server) Close() {
	if err := s.processor.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown analysis processor", zap.Error(err))
	}

	s.sessions.Shutdown()
	s.rateLimiter.Shutdown()
	s.mlClient.Close()

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close report store", zap.Error(err))
		}
	}
}
