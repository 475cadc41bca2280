package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiln-ai/platform/pkg/cache"
	"github.com/kiln-ai/platform/pkg/common/config"
	"github.com/kiln-ai/platform/pkg/common/database"
	"github.com/kiln-ai/platform/pkg/common/kafka"
	"github.com/kiln-ai/platform/pkg/common/logger"
	"github.com/kiln-ai/platform/pkg/common/models"
	"github.com/kiln-ai/platform/pkg/dataset"
	"github.com/kiln-ai/platform/pkg/storage"
	"github.com/kiln-ai/platform/pkg/studio"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load configuration")
	}
	logger.Init(cfg.LogLevel)

	db, err := database.Open(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close(db)

	repo := storage.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate studio tables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskCache, closeCache := newTaskCache(ctx, cfg)
	defer closeCache()

	presets, err := dataset.LoadPresets(cfg.SplitPresetsFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load split presets")
	}

	opts := studio.Options{
		Cache:       taskCache,
		Presets:     presets,
		ExportDir:   cfg.ExportDir,
		ShuffleSeed: cfg.ShuffleSeed,
	}
	if cfg.KafkaEnabled {
		producer := kafka.NewProducer(cfg.KafkaBrokers, models.TopicDatasetEvents)
		defer producer.Close()
		opts.Events = producer

		requests := kafka.NewProducer(cfg.KafkaBrokers, models.TopicDatasetExportRequests)
		defer requests.Close()
		opts.ExportRequests = requests
	}

	service, err := studio.NewService(repo, opts)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to create studio service")
	}

	handler := studio.NewRouter(service, studio.RouterConfig{
		CORSOrigins:    cfg.CORSOrigins,
		MaxRequestBody: cfg.MaxRequestBody,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":          cfg.ServerHost,
			"port":          cfg.ServerPort,
			"database":      cfg.DatabaseDriver,
			"cache_backend": cfg.CacheBackend,
			"kafka":         cfg.KafkaEnabled,
		}).Info("Studio Server started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Studio Server...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Studio Server stopped")
}

func newTaskCache(ctx context.Context, cfg *config.Config) (cache.Cache, func()) {
	switch cfg.CacheBackend {
	case "redis":
		client, err := database.OpenRedis(ctx, cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to redis")
		}
		return cache.NewRedis(client, "kiln:task", cfg.CacheTTL), func() { client.Close() }
	case "none":
		return cache.Noop{}, func() {}
	default:
		return cache.NewMemory(cfg.CacheTTL), func() {}
	}
}
