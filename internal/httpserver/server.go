package httpserver

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/factory-events-service/internal/apperrors"
	"github.com/PratikDhanave/factory-events-service/internal/config"
	"github.com/PratikDhanave/factory-events-service/internal/handlers"
	"github.com/PratikDhanave/factory-events-service/internal/middleware"
)

// Pinger reports whether the event store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface delegates to.
type Deps struct {
	Batches handlers.BatchProcessor
	Events  handlers.EventReader
	Stats   handlers.StatsQuerier
	Store   Pinger
	Logger  *zap.Logger

	// MaxBatchBytes bounds a decompressed batch body; 0 uses the codec default.
	MaxBatchBytes int64
}

// NewRouter wires health checks, ingestion and analytics endpoints.
// Health: /health, /ready
// Ingestion: POST /events/batch, GET /events/:eventId
// Analytics: /stats, /stats/top-defect-lines
func NewRouter(cfg config.ServerConfig, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(log.Named("http")),
		cors.New(corsConfig(cfg.CORSOrigins)),
		middleware.ErrorHandler(log.Named("http")),
	)

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Readiness: confirms the store is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := deps.Store.Ping(ctx); err != nil {
			_ = c.Error(apperrors.StoreUnavailable(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterEventRoutes(r, deps.Batches, deps.Events, deps.MaxBatchBytes)
	handlers.RegisterStatsRoutes(r, deps.Stats)

	return r
}

func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Encoding", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cc
}
