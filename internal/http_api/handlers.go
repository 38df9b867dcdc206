package http_api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minipass/reconciler/internal/models"
)

// SignupRequest is the JSON body admin handlers post when a new signup arrives
type SignupRequest struct {
	SignupID          int64      `json:"signup_id" binding:"required"`
	UserName          string     `json:"user_name" binding:"required"`
	Email             string     `json:"email" binding:"omitempty,email"`
	Phone             string     `json:"phone"`
	Activity          string     `json:"activity"`
	ActivityID        *int64     `json:"activity_id"`
	PassportType      string     `json:"passport_type"`
	PassportTypePrice float64    `json:"passport_type_price"`
	CreatedAt         *time.Time `json:"created_at"`
}

// healthz reports process and database health
func (s *HTTPServer) healthz(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// eventStream serves the server-sent event stream of the authenticated admin.
func (s *HTTPServer) eventStream(c *gin.Context) {
	admin := c.GetString(adminKey)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	s.logger.Debug("Event stream opened", "admin", admin)
	if err := s.broker.Stream(c.Request.Context(), admin, c.Writer); err != nil {
		s.logger.Debug("Event stream closed", "admin", admin, "error", err)
		return
	}
	s.logger.Debug("Event stream closed", "admin", admin)
}

func (s *HTTPServer) notificationsHealth(c *gin.Context) {
	admin := c.GetString(adminKey)
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		"admin_id":  admin,
		"queued":    s.broker.QueueLen(admin),
	})
}

// testNotification queues a signup-shaped event for the calling admin only
func (s *HTTPServer) testNotification(c *gin.Context) {
	admin := c.GetString(adminKey)
	now := s.now()
	ev := models.NewSignupEvent(models.SignupPayload{
		UserName:     "Test User",
		Email:        "test@example.com",
		Activity:     "Test Activity",
		PassportType: "Standard Pass",
		Avatar:       models.GravatarURL("test@example.com", 40),
		CreatedAt:    &now,
	}, now)
	ev.ID = fmt.Sprintf("test_%d", now.Unix())
	ev = s.broker.PublishTo(admin, ev)

	c.JSON(http.StatusOK, gin.H{"status": "success", "notification": ev})
}

// publishSignup broadcasts a signup event to every connected admin
func (s *HTTPServer) publishSignup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}
	if req.PassportType == "" {
		req.PassportType = "Standard"
	}
	if req.Activity == "" {
		req.Activity = "Unknown Activity"
	}

	ev := s.broker.Publish(models.NewSignupEvent(models.SignupPayload{
		SignupID:          req.SignupID,
		UserName:          req.UserName,
		Email:             strings.ToLower(req.Email),
		Phone:             req.Phone,
		Activity:          req.Activity,
		ActivityID:        req.ActivityID,
		PassportType:      req.PassportType,
		PassportTypePrice: req.PassportTypePrice,
		Avatar:            models.GravatarURL(req.Email, 40),
		CreatedAt:         req.CreatedAt,
	}, s.now()))

	s.logger.Info("Signup notification emitted", "signup_id", req.SignupID, "admin", c.GetString(adminKey))
	c.JSON(http.StatusAccepted, gin.H{"success": true, "id": ev.ID})
}
