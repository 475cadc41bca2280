package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kiln-ai/platform/pkg/common/config"
	"github.com/kiln-ai/platform/pkg/common/database"
	"github.com/kiln-ai/platform/pkg/common/kafka"
	"github.com/kiln-ai/platform/pkg/common/logger"
	"github.com/kiln-ai/platform/pkg/common/models"
	"github.com/kiln-ai/platform/pkg/dataset"
	"github.com/kiln-ai/platform/pkg/observability/metrics"
	"github.com/kiln-ai/platform/pkg/storage"
	"github.com/kiln-ai/platform/pkg/studio"
)

// The worker serves only health and metrics; exports arrive over Kafka.
const workerPort = "8758"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load configuration")
	}
	logger.Init(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		logger.Log.Fatal("export worker requires KAFKA_BROKERS")
	}

	db, err := database.Open(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close(db)

	repo := storage.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate studio tables")
	}

	presets, err := dataset.LoadPresets(cfg.SplitPresetsFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load split presets")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, models.TopicDatasetEvents)
	defer producer.Close()

	service, err := studio.NewService(repo, studio.Options{
		Events:      producer,
		Presets:     presets,
		ExportDir:   cfg.ExportDir,
		ShuffleSeed: cfg.ShuffleSeed,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to create studio service")
	}

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, models.TopicDatasetExportRequests, cfg.KafkaGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Consume(ctx, service.HandleExportEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, workerPort),
		Handler: router,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"topic":    models.TopicDatasetExportRequests,
			"group_id": cfg.KafkaGroupID,
			"port":     workerPort,
		}).Info("Export Worker started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Export Worker...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Export Worker stopped")
}
