package api

import (
	"github.com/gin-gonic/gin"

	"github.com/tulemar/ordersync/internal/config"
	"github.com/tulemar/ordersync/pkg/idempotency"
	"github.com/tulemar/ordersync/pkg/metrics"
	"github.com/tulemar/ordersync/pkg/middleware"
)

// RouterConfig wires the HTTP router
type RouterConfig struct {
	Handlers      *Handlers
	Metrics       *metrics.Metrics
	Ready         func() error
	EnableTracing bool
	// Idempotency enables Idempotency-Key replay on write routes when set
	Idempotency *idempotency.Config
}

// NewRouter builds the gin engine with middleware and all routes
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()

	mwConfig := middleware.DefaultConfig(config.ServiceName, cfg.Handlers.logger.Logger)
	mwConfig.Metrics = cfg.Metrics
	mwConfig.EnableTracing = cfg.EnableTracing
	middleware.Setup(router, mwConfig)

	ready := cfg.Ready
	if ready == nil {
		ready = func() error { return nil }
	}
	router.GET("/health", middleware.HealthCheck(config.ServiceName))
	router.GET("/ready", middleware.ReadinessCheck(config.ServiceName, ready))
	if cfg.Metrics != nil {
		router.GET("/metrics", middleware.MetricsEndpoint(cfg.Metrics))
	}

	var writeMiddleware []gin.HandlerFunc
	if cfg.Idempotency != nil {
		writeMiddleware = append(writeMiddleware, idempotency.Middleware(cfg.Idempotency))
	}
	SetupRoutes(router, cfg.Handlers, writeMiddleware...)
	return router
}

// SetupRoutes registers the order routes. writeMiddleware runs on the
// mutating routes after the actor check.
func SetupRoutes(router *gin.Engine, h *Handlers, writeMiddleware ...gin.HandlerFunc) {
	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders/:orderId")
		{
			orders.GET("/snapshot", h.GetSnapshot)
			orders.GET("/stream", h.Stream)

			writes := orders.Group("", append([]gin.HandlerFunc{middleware.RequireActor()}, writeMiddleware...)...)
			writes.POST("/transitions", h.Transition)
			writes.POST("/accept", h.Accept)
			writes.POST("/cancel", h.Cancel)
			writes.POST("/delivery/start", h.StartDelivery)
			writes.PATCH("/items/:itemId", h.UpdateItem)
			writes.POST("/events", h.PublishEvent)
		}
	}
}
