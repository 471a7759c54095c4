// Package httpapi serves the governance control plane API: gated
// submissions, delivery status reads, and the engine callback.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config carries the router's authentication material.
type Config struct {
	JWTSecret      []byte
	CallbackSecret string
}

// NewRouter builds the gin engine with all routes registered. Caller
// routes require a bearer token; the callback route requires the engine
// shared secret; health and metrics are open.
func NewRouter(h *Handlers, cfg Config, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), metricsMiddleware(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", authMiddleware(cfg.JWTSecret))
	{
		v1.POST("/deployments", h.submitDeploy)
		v1.POST("/rollbacks", h.submitRollback)
		v1.POST("/builds", h.registerBuild)
		v1.POST("/capabilities", h.uploadCapability)
		v1.GET("/services/:service/status", h.deliveryStatus)
		v1.GET("/services/:service/actions", h.allowedActions)
	}

	r.POST("/v1/engine/callback", callbackAuthMiddleware(cfg.CallbackSecret), h.engineCallback)

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= 500 {
			logger.Error("request failed",
				"method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
		}
	}
}
