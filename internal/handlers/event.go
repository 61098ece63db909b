package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/factory-events-service/internal/apperrors"
	"github.com/PratikDhanave/factory-events-service/internal/codec"
	"github.com/PratikDhanave/factory-events-service/internal/events"
	"github.com/PratikDhanave/factory-events-service/internal/models"
	"github.com/PratikDhanave/factory-events-service/internal/store"
)

// BatchProcessor reconciles one decoded batch atomically.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, raws []events.Raw) (models.BatchResult, error)
}

// EventReader loads a stored event by id.
type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (models.Event, error)
}

// RegisterEventRoutes registers the ingestion-path endpoints.
//
// POST /events/batch
// - Body is a JSON array (or CBOR with Content-Type: application/cbor)
// - Content-Encoding gzip and zstd are accepted
// - Durable: returns counts only after the batch transaction commits
// - Per-record validation failures are reported in the body, not as an HTTP error
//
// GET /events/:eventId returns the stored record.
func RegisterEventRoutes(r gin.IRoutes, proc BatchProcessor, reader EventReader, maxBatchBytes int64) {
	r.POST("/events/batch", func(c *gin.Context) {
		start := time.Now()

		batch, err := codec.ReadBatch(
			c.Request.Body,
			c.GetHeader("Content-Type"),
			c.GetHeader("Content-Encoding"),
			maxBatchBytes,
		)
		if err != nil {
			_ = c.Error(decodeError(err))
			return
		}

		res, err := proc.ProcessBatch(c.Request.Context(), batch)
		if err != nil {
			_ = c.Error(apperrors.Internal(err, "batch processing failed"))
			return
		}

		c.JSON(http.StatusOK, models.BatchResponse{
			BatchResult:      res,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
	})

	r.GET("/events/:eventId", func(c *gin.Context) {
		eventID := strings.TrimSpace(c.Param("eventId"))

		ev, err := reader.GetEvent(c.Request.Context(), eventID)
		if errors.Is(err, store.ErrNotFound) {
			_ = c.Error(apperrors.EventNotFound(eventID))
			return
		}
		if err != nil {
			_ = c.Error(apperrors.Internal(err, "event lookup failed"))
			return
		}

		c.JSON(http.StatusOK, ev)
	})
}

func decodeError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, codec.ErrTooLarge):
		return apperrors.Wrap(err, apperrors.CodePayloadTooLarge, "batch payload too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, codec.ErrNotArray):
		return apperrors.BadRequest(codec.ErrNotArray.Error())
	case errors.Is(err, codec.ErrUnsupportedEncoding):
		return apperrors.Wrap(err, apperrors.CodeBadRequest, err.Error(), http.StatusBadRequest)
	default:
		return apperrors.Wrap(err, apperrors.CodeBadRequest, "invalid batch payload", http.StatusBadRequest)
	}
}
