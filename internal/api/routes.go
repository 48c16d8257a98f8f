package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/database"
	"github.com/tickforge/tickforge/internal/services"
	"github.com/tickforge/tickforge/internal/stream"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Stream   string `json:"stream"`
}

// ThresholdUpdateRequest is the operator-settable subset of the dynamic
// threshold set. Omitted fields keep their current value; applied values are
// clamped to the configured bounds.
type ThresholdUpdateRequest struct {
	WinRateThreshold    *float64 `json:"win_rate_threshold"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	ProfitLossThreshold *float64 `json:"profit_loss_threshold"`
	Reason              string   `json:"reason"`
}

// Deps carries everything the control surface serves from.
type Deps struct {
	DB            *database.PostgresDB
	Redis         *database.RedisClient
	Driver        *stream.Driver
	Pipeline      *services.Pipeline
	Thresholds    *services.ThresholdStore
	Stop          *services.EmergencyStop
	Validator     *services.OutcomeValidator
	SignalRepo    *database.SignalRepository
	ThresholdRepo *database.ThresholdRepository
	Logger        *logrus.Logger
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", healthCheck(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		pipeline := v1.Group("/pipeline")
		{
			pipeline.GET("/status", getStatus(deps))
			pipeline.POST("/start", startPipeline(deps))
			pipeline.POST("/stop", stopPipeline(deps))
		}

		thresholds := v1.Group("/thresholds")
		{
			thresholds.GET("", getThresholds(deps))
			thresholds.PUT("", updateThresholds(deps))
			thresholds.GET("/history", getThresholdHistory(deps))
		}

		signals := v1.Group("/signals")
		{
			signals.GET("/recent", getRecentSignals(deps))
			signals.GET("/tracked", getTrackedSignals(deps))
			signals.POST("/tracked/:id/neutral", markSignalNeutral(deps))
		}

		v1.POST("/recalibrate", recalibrate(deps))
		v1.POST("/emergency-stop/clear", clearEmergencyStop(deps))
	}
}

func healthCheck(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   "1.0.0",
			Services: Services{
				Database: "ok",
				Redis:    "ok",
				Stream:   "ok",
			},
		}

		if deps.DB != nil {
			if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
				response.Services.Database = "error"
				response.Status = "degraded"
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.HealthCheck(c.Request.Context()); err != nil {
				response.Services.Redis = "error"
				response.Status = "degraded"
			}
		}
		if !deps.Driver.Fresh(time.Now()) {
			response.Services.Stream = "stale"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, response)
	}
}

func getStatus(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Pipeline.Status())
	}
}

func startPipeline(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := deps.Pipeline.Start(c.Request.Context()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	}
}

func stopPipeline(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		deps.Pipeline.Stop()
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	}
}

func getThresholds(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Thresholds.Snapshot())
	}
}

func updateThresholds(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ThresholdUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.WinRateThreshold == nil && req.ConfidenceThreshold == nil && req.ProfitLossThreshold == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no threshold fields provided"})
			return
		}

		next := deps.Thresholds.Snapshot()
		if req.WinRateThreshold != nil {
			next.WinRateThreshold = decimal.NewFromFloat(*req.WinRateThreshold)
		}
		if req.ConfidenceThreshold != nil {
			next.ConfidenceThreshold = decimal.NewFromFloat(*req.ConfidenceThreshold)
		}
		if req.ProfitLossThreshold != nil {
			next.ProfitLossThreshold = decimal.NewFromFloat(*req.ProfitLossThreshold)
		}
		reason := req.Reason
		if reason == "" {
			reason = "manual operator adjustment"
		}

		applied := deps.Thresholds.Update(next, reason)
		if deps.ThresholdRepo != nil {
			if err := deps.ThresholdRepo.RecordChange(c.Request.Context(), applied); err != nil {
				deps.Logger.WithError(err).Error("Failed to persist manual threshold change")
			}
		}
		c.JSON(http.StatusOK, applied)
	}
}

func getThresholdHistory(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.ThresholdRepo == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "threshold history unavailable"})
			return
		}
		history, err := deps.ThresholdRepo.History(c.Request.Context(), 50)
		if err != nil {
			deps.Logger.WithError(err).Error("Failed to load threshold history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	}
}

func getRecentSignals(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.SignalRepo == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal history unavailable"})
			return
		}
		signals, err := deps.SignalRepo.RecentPooledSignals(c.Request.Context(), 100)
		if err != nil {
			deps.Logger.WithError(err).Error("Failed to load recent signals")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signals"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"signals": signals})
	}
}

func getTrackedSignals(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tracked": deps.Validator.ActiveSignals()})
	}
}

func markSignalNeutral(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !deps.Validator.MarkNeutral(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active tracked signal with that id"})
			return
		}
		deps.Logger.WithField("signal", id).Info("Tracked signal marked neutral")
		c.JSON(http.StatusOK, gin.H{"status": "neutral", "id": id})
	}
}

func recalibrate(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		applied := deps.Validator.Recalculate(c.Request.Context())
		c.JSON(http.StatusOK, applied)
	}
}

func clearEmergencyStop(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, reason := deps.Stop.Active()
		if !active {
			c.JSON(http.StatusOK, gin.H{"status": "not active"})
			return
		}
		deps.Stop.Clear()
		deps.Logger.WithField("previous_reason", reason).Warn("Emergency stop cleared by operator")
		c.JSON(http.StatusOK, gin.H{"status": "cleared", "previous_reason": reason})
	}
}
