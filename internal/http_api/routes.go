package http_api

import (
	"github.com/gin-gonic/gin"

	"github.com/minipass/reconciler/internal/metrics"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))

	s.router.GET("/unsubscribe", s.unsubscribePage)
	s.router.POST("/unsubscribe", s.unsubscribe)

	admin := s.router.Group("/api", s.adminAuth())
	admin.GET("/event-stream", s.eventStream)
	admin.GET("/notifications/health", s.notificationsHealth)
	admin.POST("/notifications/test", s.testNotification)
	admin.POST("/notifications/signup", s.publishSignup)
}
