package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/PratikDhanave/factory-events-service/internal/apperrors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(log *zap.Logger, h gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), AccessLog(log), ErrorHandler(log))
	r.GET("/x", h)
	return r
}

func TestRequestID_GeneratesAndPreserves(t *testing.T) {
	var seen string
	r := newRouter(nil, func(c *gin.Context) {
		seen = GetRequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	rid := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, rid)
	assert.Equal(t, rid, seen)
	id, err := uuid.Parse(rid)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "client-supplied", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "client-supplied", seen)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandler_AppError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newRouter(zap.New(core), func(c *gin.Context) {
		_ = c.Error(apperrors.BadRequest("machineId is required"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "machineId is required", body["error"])
	assert.Equal(t, apperrors.CodeBadRequest, body["code"])
	assert.Equal(t, 1, logs.FilterMessage("request rejected").Len())
	assert.Equal(t, 1, logs.FilterMessage("http request").Len())
}

func TestErrorHandler_PlainErrorIsInternal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newRouter(zap.New(core), func(c *gin.Context) {
		_ = c.Error(errors.New("disk on fire"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, apperrors.CodeInternal, body["code"])
	assert.NotContains(t, body["error"], "disk on fire")
	assert.Equal(t, 1, logs.FilterMessage("unhandled request error").Len())
}
