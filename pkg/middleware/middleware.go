// Package middleware holds the gin middleware chain shared by the ordersync
// HTTP surface.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tulemar/ordersync/pkg/metrics"
)

type Config struct {
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	ServiceName   string
	EnableTracing bool
}

func DefaultConfig(serviceName string, logger *slog.Logger) *Config {
	return &Config{
		Logger:        logger,
		ServiceName:   serviceName,
		EnableTracing: true,
	}
}

// Setup installs the chain in order: panic recovery, request id, tracing,
// access log, metrics, actor headers and error rendering. Unknown routes
// and methods answer with the standard error body.
func Setup(router *gin.Engine, config *Config) {
	InitValidator()

	chain := []gin.HandlerFunc{Recovery(config.Logger), RequestID()}
	if config.EnableTracing {
		chain = append(chain, TracingMiddleware(DefaultTracingConfig(config.ServiceName)))
	}
	chain = append(chain, Logger(config.Logger))
	if config.Metrics != nil {
		chain = append(chain, MetricsMiddleware(config.Metrics))
	}
	chain = append(chain, Actor(), ErrorHandler(config.Logger))
	router.Use(chain...)

	router.HandleMethodNotAllowed = true
	router.NoRoute(fixedError(http.StatusNotFound, "ROUTE_NOT_FOUND", "The requested resource was not found"))
	router.NoMethod(fixedError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "The request method is not supported for this resource"))
}

func fixedError(status int, code, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(status, errorBody(c, code, message))
	}
}

// HealthCheck is the liveness probe
func HealthCheck(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": serviceName})
	}
}

// ReadinessCheck answers 503 while check fails
func ReadinessCheck(serviceName string, check func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ready", "service": serviceName}
		status := http.StatusOK
		if err := check(); err != nil {
			body["status"] = "not ready"
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, body)
	}
}
