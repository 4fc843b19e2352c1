package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omniusage/internal/ledger"
	"omniusage/internal/pricing"
)

// DefaultBodySizeLimit is the max request body size (1MB). Usage records
// carry at most a raw provider response payload.
const DefaultBodySizeLimit int64 = 1 << 20

// Config holds server configuration options.
type Config struct {
	Auth            AuthConfig `yaml:"auth"`
	MetricsEnabled  bool       `yaml:"metrics_enabled"`
	MetricsEndpoint string     `yaml:"metrics_endpoint"`
	BodySizeLimit   int64      `yaml:"body_size_limit"`
}

// Server wraps the Echo server.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// New creates the HTTP server with all routes and middleware wired.
func New(service *ledger.Service, table *pricing.Table, cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(service, table)

	authSkipPaths := []string{"/health"}

	metricsPath := "/metrics"
	if cfg != nil && cfg.MetricsEnabled {
		if cfg.MetricsEndpoint != "" {
			// Normalize to prevent traversal tricks in the config value.
			metricsPath = path.Clean(cfg.MetricsEndpoint)
		}
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(requestLogger())
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg != nil && cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	authCfg := AuthConfig{}
	if cfg != nil {
		authCfg = cfg.Auth
	}
	e.Use(AuthMiddleware(authCfg, authSkipPaths))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg != nil && cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// API routes
	e.GET("/v1/usage", handler.GetUsage)
	e.POST("/v1/usage", handler.RecordUsage)
	e.DELETE("/v1/usage", handler.DeleteUsage)
	e.GET("/v1/usage/quota", handler.CheckQuota)
	e.PUT("/v1/usage/tier", handler.SetTier)
	e.GET("/v1/pricing/models", handler.PricingModels)
	e.GET("/v1/pricing/tiers", handler.PricingTiers)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// requestLogger emits one slog line per request.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
				slog.Error("request", attrs...)
			} else {
				slog.Info("request", attrs...)
			}
			return nil
		},
	})
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, allowing the server to be used with
// httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
