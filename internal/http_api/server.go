package http_api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// EventBroker is the part of the notification broker the handlers use
type EventBroker interface {
	Publish(event models.NotificationEvent) models.NotificationEvent
	PublishTo(admin string, event models.NotificationEvent) models.NotificationEvent
	Stream(ctx context.Context, admin string, w io.Writer) error
	QueueLen(admin string) int
}

// Pinger reports database health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP server serves
type Deps struct {
	Broker EventBroker
	Users  models.UserRepository
	DB     Pinger
	// AdminTokens maps bearer tokens to admin emails
	AdminTokens       map[string]string
	UnsubscribeSecret string
	Gatherer          prometheus.Gatherer
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	broker            EventBroker
	users             models.UserRepository
	db                Pinger
	tokens            map[string]string
	unsubscribeSecret string
	gatherer          prometheus.Gatherer

	now func() time.Time
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(deps Deps, port int, logger *logger.Logger) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery())

	// Add CORS middleware
	router.Use(corsMiddleware())

	if deps.AdminTokens == nil {
		deps.AdminTokens = map[string]string{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	server := &HTTPServer{
		router:            router,
		port:              port,
		logger:            logger,
		broker:            deps.Broker,
		users:             deps.Users,
		db:                deps.DB,
		tokens:            deps.AdminTokens,
		unsubscribeSecret: deps.UnsubscribeSecret,
		gatherer:          deps.Gatherer,
		now:               time.Now,
	}

	// Define routes
	server.routes()

	server.server = &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%v", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open event streams never go idle, so Shutdown would wait on them until it times out.
	if c, ok := deps.Broker.(interface{ CloseStreams() }); ok {
		server.server.RegisterOnShutdown(c.CloseStreams)
	}

	return server
}

// Handler exposes the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It blocks until the server stops and returns nil after
// Shutdown, even when Shutdown ran first.
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
