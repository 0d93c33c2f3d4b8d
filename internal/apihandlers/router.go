package apihandlers

import (
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with every API route.
func NewRouter(h *APIHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		taskGroup := v1.Group("/tasks")
		{
			taskGroup.POST("", h.SubmitTaskHandler)
			taskGroup.GET("", h.ListTasksHandler)
			taskGroup.GET("/:id", h.GetTaskHandler)
			taskGroup.POST("/:id/cancel", h.CancelTaskHandler)
		}
		v1.GET("/stats", h.StatsHandler)
		v1.POST("/cycle", h.RunCycleHandler)
		v1.POST("/callbacks/inference", h.InferenceCallbackHandler)
		v1.GET("/credits/:owner", h.CreditsHandler)
	}

	router.GET("/health", h.HealthHandler)
	return router
}
