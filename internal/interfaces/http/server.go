package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ngoclaw/llm-gateway/internal/interfaces/http/handlers"
	"go.uber.org/zap"
)

// Server is the gateway's HTTP surface.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config configures the HTTP surface.
type Config struct {
	Host string
	Port int
	Mode string // debug, production
}

// NewServer creates the gin-backed HTTP surface implementing GET /health,
// GET /, POST /v1/chat/completions, GET /v1/models, and POST /v1/messages.
func NewServer(cfg Config, openaiHandler *handlers.OpenAIHandler, anthropicHandler *handlers.AnthropicHandler, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(ginLogger(logger))

	setupRoutes(router, openaiHandler, anthropicHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start runs the HTTP server in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, openaiHandler *handlers.OpenAIHandler, anthropicHandler *handlers.AnthropicHandler) {
	router.GET("/health", handlers.Health)
	router.GET("/", handlers.Root)

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.GET("/models", openaiHandler.ListModels)
		v1.POST("/messages", anthropicHandler.Messages)
	}
}

// requestIDMiddleware stamps every request with a correlation id, used
// only for log correlation; never echoed to the dialect response bodies
// (neither wire format has a place for one).
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("request_id", uuid.NewString())
		c.Next()
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		requestID, _ := c.Get("request_id")
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Any("request_id", requestID),
		)
	}
}
