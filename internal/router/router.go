package router

import (
	"github.com/gin-gonic/gin"

	"github.com/imyashkale/mcporchestrator/internal/handlers"
	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/middleware"
)

// Setup configures and returns the application router
func Setup(
	jwtSecret string,
	healthHandler *handlers.HealthHandler,
	statusHandler *handlers.StatusHandler,
	controlHandler *handlers.ControlHandler,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// Apply CORS middleware globally
	router.Use(middleware.CORS())

	v1 := router.Group("/api/v1")

	// Liveness stays reachable without a token
	v1.GET("/health", healthHandler.Check)

	api := v1.Group("")
	api.Use(middleware.Authentication(jwtSecret))

	api.GET("/status", statusHandler.List)
	api.GET("/status/:service_id", statusHandler.Get)
	api.GET("/cycles", statusHandler.Cycles)

	api.POST("/sync", controlHandler.Sync)

	services := api.Group("/services/:service_id")
	{
		services.POST("/start", controlHandler.Start)
		services.POST("/stop", controlHandler.Stop)
		services.POST("/restart", controlHandler.Restart)
		services.POST("/create", controlHandler.Create)
	}

	return router
}

// requestLogger logs each request through the application logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.WithFields(map[string]interface{}{
			logger.FieldComponent: "api",
			"method":              c.Request.Method,
			"path":                c.FullPath(),
			"status":              c.Writer.Status(),
		}).Debug("Handled request")
	}
}
