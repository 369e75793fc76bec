package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server exposes the websocket hub, health and metrics over HTTP
type Server struct {
	addr    string
	router  *gin.Engine
	hub     *Hub
	started time.Time
}

// NewServer builds the router: GET /ws, GET /health, GET /metrics
func NewServer(addr string, hub *Hub, tracker *metrics.Tracker) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    addr,
		router:  gin.New(),
		hub:     hub,
		started: time.Now(),
	}
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.health)
	s.router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})
	s.router.GET("/metrics", gin.WrapH(tracker.Handler()))
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "geoconvo",
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"clients": s.hub.Count(),
	})
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("HTTP server listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logrus.Info("HTTP server stopped")
	return nil
}
