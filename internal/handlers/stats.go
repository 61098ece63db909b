package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/factory-events-service/internal/analytics"
	"github.com/PratikDhanave/factory-events-service/internal/apperrors"
	"github.com/PratikDhanave/factory-events-service/internal/events"
	"github.com/PratikDhanave/factory-events-service/internal/models"
)

// StatsQuerier answers the serving-path aggregations.
type StatsQuerier interface {
	Stats(ctx context.Context, machineID string, start, end time.Time) (models.MachineStats, error)
	TopDefectLines(ctx context.Context, factoryID string, from, to time.Time, limit int) ([]models.LineDefects, error)
}

// RegisterStatsRoutes registers the serving-path endpoints.
//
// GET /stats?machineId=...&start=...&end=...
// - Window is [start,end) on eventTime
//
// GET /stats/top-defect-lines?factoryId=...&from=...&to=...&limit=...
// - limit defaults to 10 and must be a positive integer
func RegisterStatsRoutes(r gin.IRoutes, svc StatsQuerier) {
	r.GET("/stats", func(c *gin.Context) {
		machineID := c.Query("machineId")
		startStr := c.Query("start")
		endStr := c.Query("end")

		if machineID == "" || startStr == "" || endStr == "" {
			_ = c.Error(apperrors.BadRequest("machineId, start, end are required"))
			return
		}

		start, ok := events.ParseInstant(startStr)
		if !ok {
			_ = c.Error(apperrors.BadRequest("start must be an ISO-8601 instant"))
			return
		}
		end, ok := events.ParseInstant(endStr)
		if !ok {
			_ = c.Error(apperrors.BadRequest("end must be an ISO-8601 instant"))
			return
		}

		stats, err := svc.Stats(c.Request.Context(), machineID, start, end)
		if err != nil {
			_ = c.Error(apperrors.Internal(err, "stats query failed"))
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	r.GET("/stats/top-defect-lines", func(c *gin.Context) {
		factoryID := c.Query("factoryId")
		fromStr := c.Query("from")
		toStr := c.Query("to")

		if factoryID == "" || fromStr == "" || toStr == "" {
			_ = c.Error(apperrors.BadRequest("factoryId, from, to are required"))
			return
		}

		from, ok := events.ParseInstant(fromStr)
		if !ok {
			_ = c.Error(apperrors.BadRequest("from must be an ISO-8601 instant"))
			return
		}
		to, ok := events.ParseInstant(toStr)
		if !ok {
			_ = c.Error(apperrors.BadRequest("to must be an ISO-8601 instant"))
			return
		}

		limit := analytics.DefaultTopLinesLimit
		if s, present := c.GetQuery("limit"); present {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				_ = c.Error(apperrors.BadRequest("limit must be a positive integer"))
				return
			}
			limit = n
		}

		lines, err := svc.TopDefectLines(c.Request.Context(), factoryID, from, to, limit)
		if err != nil {
			_ = c.Error(apperrors.Internal(err, "top defect lines query failed"))
			return
		}
		c.JSON(http.StatusOK, lines)
	})
}
