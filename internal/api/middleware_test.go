package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("writes a 500 when the handler did not respond", func(t *testing.T) {
		var buf bytes.Buffer
		engine := gin.New()
		engine.Use(ErrorHandlerMiddleware(slog.New(slog.NewTextHandler(&buf, nil))))
		engine.GET("/boom", func(c *gin.Context) {
			c.Error(errors.New("boom"))
		})

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"boom"}`, w.Body.String())
		assert.Contains(t, buf.String(), "Request error")
	})

	t.Run("keeps the handler's response", func(t *testing.T) {
		engine := gin.New()
		engine.Use(ErrorHandlerMiddleware(quietLogger()))
		engine.GET("/teapot", func(c *gin.Context) {
			c.Error(errors.New("short and stout"))
			c.JSON(http.StatusTeapot, gin.H{"error": "teapot"})
		})

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/teapot", nil))

		assert.Equal(t, http.StatusTeapot, w.Code)
	})
}

func TestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	engine := gin.New()
	engine.Use(LoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil))))
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "HTTP request")
	assert.Contains(t, buf.String(), "path=/ping")
	assert.Contains(t, buf.String(), "status=200")
}
