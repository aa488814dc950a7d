// Package api exposes the HTTP surface: health and stats probes, the
// prometheus scrape endpoint, a non-streaming chat route, and the
// WebSocket upgrade into the gateway.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/servergem/servergem/pkg/gateway"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	gw       *gateway.Gateway
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer wires the routes. gatherer may be nil to disable /metrics.
func NewServer(gw *gateway.Gateway, gatherer prometheus.Gatherer, port string) *Server {
	s := &Server{
		gw:       gw,
		gatherer: gatherer,
		logger:   slog.Default().With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin engine. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	router.POST("/chat", s.handleChat)
	router.GET("/ws/chat", s.handleWebSocket)
	return router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// WebSocket upgrades hold the connection open; logging their
		// duration on close is noise.
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}
