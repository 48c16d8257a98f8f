package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tickforge/tickforge/internal/api"
	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/database"
	"github.com/tickforge/tickforge/internal/logging"
	"github.com/tickforge/tickforge/internal/metrics"
	"github.com/tickforge/tickforge/internal/models"
	"github.com/tickforge/tickforge/internal/services"
	"github.com/tickforge/tickforge/internal/stream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		// the gate degrades to its local fingerprint window without Redis
		logger.WithError(err).Warn("Redis unavailable, running with local deduplication only")
		redis = nil
	} else {
		defer redis.Close()
	}

	recorder := metrics.New()
	signalRepo := database.NewSignalRepository(db.Pool)
	thresholdRepo := database.NewThresholdRepository(db.Pool)

	bounds := models.ThresholdBounds{
		WinRate: models.Bound{
			Min: decimal.NewFromFloat(cfg.Validator.WinRateBounds[0]),
			Max: decimal.NewFromFloat(cfg.Validator.WinRateBounds[1]),
		},
		ProfitLoss: models.Bound{
			Min: decimal.NewFromFloat(cfg.Validator.ProfitLossBounds[0]),
			Max: decimal.NewFromFloat(cfg.Validator.ProfitLossBounds[1]),
		},
		Confidence: models.Bound{
			Min: decimal.NewFromFloat(cfg.Validator.ConfidenceBounds[0]),
			Max: decimal.NewFromFloat(cfg.Validator.ConfidenceBounds[1]),
		},
	}
	initial := models.DynamicThresholdSet{
		WinRateThreshold:    decimal.NewFromFloat(cfg.Validator.WinRateDefault),
		ObservationFloor:    decimal.NewFromFloat(cfg.Validator.WinRateDefault - cfg.Validator.ObservationBand),
		ProfitLossThreshold: decimal.NewFromFloat(cfg.Validator.ProfitLossStart),
		ConfidenceThreshold: decimal.NewFromFloat(cfg.Validator.ConfidenceStart),
	}

	thresholds := services.NewThresholdStore(initial, bounds)
	stop := services.NewEmergencyStop()
	calibrator := services.NewWinRateCalibrator()
	weights := services.NewSourceWeightTable(cfg.Pool)

	driver := stream.NewDriver(cfg.Stream, logger)
	normalizer := stream.NewNormalizer(cfg.Stream.TickBuffer)
	trigger := services.NewTriggerEngine(cfg.Trigger, thresholds, stop, calibrator, logger)
	gate := services.NewQualityGate(cfg.Gate, redis, logger)
	pool := services.NewSignalPool(cfg.Pool, weights, signalRepo, logger)
	validator := services.NewOutcomeValidator(cfg.Validator, thresholds, stop, pool, calibrator, signalRepo, thresholdRepo, logger)
	streamBreaker := services.NewCircuitBreaker("market-stream", services.BreakerConfig{}, logger)

	pipeline := services.NewPipeline(cfg, driver, normalizer, trigger, gate, pool, validator,
		thresholds, stop, streamBreaker, recorder, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		logger.WithError(err).Error("Pipeline did not start, serving control surface only")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, api.Deps{
		DB:            db,
		Redis:         redis,
		Driver:        driver,
		Pipeline:      pipeline,
		Thresholds:    thresholds,
		Stop:          stop,
		Validator:     validator,
		SignalRepo:    signalRepo,
		ThresholdRepo: thresholdRepo,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	pipeline.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
