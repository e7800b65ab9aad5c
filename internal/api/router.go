package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func Router(h *Handler, log zerolog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggingMiddleware(log))

	c := cors.DefaultConfig()
	c.AllowAllOrigins = true
	c.AllowHeaders = []string{"Content-Type", "Authorization"}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(c))

	v1 := r.Group("/v1")
	v1.GET("/health", h.Health)

	system := v1.Group("/system")
	system.GET("/status", h.SystemStatus)
	system.GET("/stats", h.Stats)
	system.POST("/trigger-planning", h.TriggerPlanning)
	system.POST("/trigger-queue", h.TriggerQueue)

	v1.GET("/scheduler/status", h.SystemStatus)
	v1.POST("/scheduler/start", h.SchedulerStart)
	v1.POST("/scheduler/stop", h.SchedulerStop)

	scheduled := v1.Group("/scheduled")
	scheduled.GET("", h.ListScheduled)
	scheduled.POST("", h.CreateScheduled)
	scheduled.GET("/:id", h.GetScheduled)
	scheduled.POST("/:id/cancel", h.CancelScheduled)
	scheduled.POST("/:id/retry", h.RetryScheduled)

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "automessage-pipeline")
	})

	return r
}
