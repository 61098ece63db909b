package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/factory-events-service/internal/apperrors"
)

// ErrorHandler renders the last error attached with c.Error() as
// {"error": message, "code": code}. Handlers return after c.Error and never
// write the failure body themselves.
func ErrorHandler(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		rid := GetRequestID(c.Request.Context())

		if appErr, ok := apperrors.As(err); ok {
			fields := []zap.Field{
				zap.String("code", appErr.Code),
				zap.Int("status", appErr.HTTPStatus),
				zap.String("request_id", rid),
				zap.Error(appErr.Err),
			}
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log.Error("request failed", fields...)
			} else {
				log.Warn("request rejected", fields...)
			}
			c.JSON(appErr.HTTPStatus, gin.H{
				"error": appErr.Message,
				"code":  appErr.Code,
			})
			return
		}

		log.Error("unhandled request error", zap.String("request_id", rid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "an internal error occurred",
			"code":  apperrors.CodeInternal,
		})
	}
}
