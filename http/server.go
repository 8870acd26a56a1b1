// Package http provides the shared Echo server setup for the pipeline's
// HTTP surfaces: the ingress gateway, the back-office API and the per-worker
// health endpoint.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/version"
)

// ServerConfig contains configuration for creating an Echo server.
type ServerConfig struct {
	Port            int
	Debug           bool
	BodyLimit       string // e.g. "50M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // requests per second, 0 = no limit
}

// DefaultServerConfig returns a server config with sensible defaults.
func DefaultServerConfig(port int) ServerConfig {
	return ServerConfig{
		Port:            port,
		BodyLimit:       "50M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// NewEchoServer creates an Echo server with the standard middleware stack.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
			},
		}))
	}

	e.Use(middleware.RequestID())

	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	return e
}

// HealthResponse is the health and readiness payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckHandler reports process liveness.
func HealthCheckHandler(serviceName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version.Version,
		})
	}
}

// ReadinessHandler reports readiness from a callback, typically the stage
// worker's consuming state. Not-ready answers 503 so orchestrators hold
// traffic during startup and drain.
func ReadinessHandler(serviceName string, ready func() bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !ready() {
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{
				Status:  "not_ready",
				Service: serviceName,
				Version: version.Version,
			})
		}
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "ready",
			Service: serviceName,
			Version: version.Version,
		})
	}
}

// RegisterHealthRoutes mounts the liveness and readiness endpoints.
func RegisterHealthRoutes(e *echo.Echo, serviceName string, ready func() bool) {
	e.GET("/healthz", HealthCheckHandler(serviceName))
	if ready == nil {
		ready = func() bool { return true }
	}
	e.GET("/readyz", ReadinessHandler(serviceName, ready))
}

// Serve starts the server and shuts it down gracefully when the context is
// cancelled.
func Serve(ctx context.Context, e *echo.Echo, config ServerConfig) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(fmt.Sprintf(":%d", config.Port))
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			common.Logger.WithError(err).Error("http server shutdown failed")
			return err
		}
		return nil
	}
}
