package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultAddress is the HTTP listen address when none is configured.
const DefaultAddress = ":8090"

// Server exposes pipeline health over HTTP:
//
//	GET /health     liveness, always 200 while the process serves requests
//	GET /readiness  200 unless the pipeline is unhealthy (503)
//	GET /stats      the current snapshot
type Server struct {
	addr     string
	snapshot func() Snapshot
	started  time.Time
	router   *gin.Engine
}

// NewServer creates a server sampling snapshot on every request.
func NewServer(addr string, snapshot func() Snapshot) *Server {
	if addr == "" {
		addr = DefaultAddress
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:     addr,
		snapshot: snapshot,
		started:  time.Now(),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/readiness", s.handleReadiness)
	s.router.GET("/stats", s.handleStats)
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(c *gin.Context) {
	snap := s.snapshot()
	status := snap.Status()

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"running":        snap.Running,
		"uptime_seconds": snap.UptimeSeconds,
		"devices":        snap.Devices,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("telemetry: http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("telemetry: http server stopped")
	return nil
}
