package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/handler"
	"sentinal-e2ee/internal/middleware"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/pkg/logger"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
	checks     map[string]HealthCheck
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handlers struct {
	Encryption *handler.EncryptionHandler
	Relay      *WebSocketHandler
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	switch cfg.AppMode {
	case config.ReleaseMode:
		gin.SetMode(gin.ReleaseMode)
	case config.TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
		checks: make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency probed by GET /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetupRoutes mounts the key, message and relay routes. limiter may be nil.
func (s *Server) SetupRoutes(handlers *Handlers, auth middleware.TokenAuthenticator, limiter middleware.UpgradeLimiter) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})
	s.engine.GET("/health", s.health)

	if handlers.Relay != nil {
		ws := []gin.HandlerFunc{}
		if limiter != nil {
			ws = append(ws, middleware.UpgradeRateLimitMiddleware(limiter, s.logger))
		}
		ws = append(ws, handlers.Relay.Handle)
		s.engine.GET("/v1/ws", ws...)
	}

	if handlers.Encryption != nil {
		v1 := s.engine.Group("/v1", middleware.AuthMiddleware(auth))
		handlers.Encryption.RegisterRoutes(v1)
	}
}

func (s *Server) health(c *gin.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := gin.H{}
	healthy := true
	for _, name := range names {
		if err := s.checks[name](c.Request.Context()); err != nil {
			healthy = false
			status[name] = "unavailable"
			if s.logger != nil {
				s.logger.Errorf("health check %s failed: %s", name, err)
			}
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, httpdto.Response[gin.H]{Data: status, Error: "unhealthy", Code: "STORAGE_UNAVAILABLE"})
		return
	}
	status["status"] = "healthy"
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(status))
}

// Start serves until ctx is cancelled, then drains in-flight requests for up
// to five seconds.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
			return err
		}
		return nil
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}
	return nil
}
