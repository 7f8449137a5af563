package router

import (
	"github.com/chatbridge/relay/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	messageHandler := handler.NewMessageHandler(deps)

	// Health check endpoint
	r.GET("/health", messageHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/messages - Enqueue an outbound message
		v1.POST("/messages", messageHandler.SendMessage)

		// GET /api/v1/jobs - List outbound jobs with status filtering
		v1.GET("/jobs", messageHandler.ListJobs)

		// GET /api/v1/pairing - Pairing code for linking the session
		v1.GET("/pairing", messageHandler.Pairing)
	}

	return r
}
