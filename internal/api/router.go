package api

import (
	"github.com/gin-gonic/gin"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/metrics"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/snapshot", s.handleSnapshot)
		v1.GET("/threats", s.handleThreats)
		v1.GET("/packets", s.handlePackets)
		v1.GET("/events", s.handleEvents)

		mon := v1.Group("/monitor")
		{
			mon.POST("/start", s.handleStart)
			mon.POST("/stop", s.handleStop)
			mon.POST("/reset", s.handleReset)
		}

		v1.POST("/score", s.handleScore)
		v1.POST("/inject", s.handleInject)
	}

	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
}
