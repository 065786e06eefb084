// Package server exposes the gateway over HTTP: the client websocket, health,
// stats and prometheus metrics. A gRPC health service mirrors the account
// availability for orchestrators.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketcalls/openalgo-sub010/internal/bus"
	"github.com/marketcalls/openalgo-sub010/internal/connection"
	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/proxy"
	"github.com/marketcalls/openalgo-sub010/internal/version"
)

// ManagerStats reports connection manager state.
type ManagerStats interface {
	Stats() connection.Stats
}

// ProxyStats reports client session state.
type ProxyStats interface {
	Stats() proxy.Stats
}

// BusStats reports bus counters.
type BusStats interface {
	Stats() bus.Stats
}

// Config configures the HTTP server.
type Config struct {
	Listen          string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	MetricsPath     string // Defaults to /metrics
}

// Deps are the components served.
type Deps struct {
	WebSocket http.Handler
	Manager   ManagerStats
	Proxy     ProxyStats
	Bus       BusStats
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the HTTP surface of the gateway.
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger), observe(deps.Metrics))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	router.Use(cors.New(corsCfg))

	s := &Server{cfg: cfg, deps: deps, router: router, logger: logger.With("component", "http")}
	s.registerRoutes()
	return s
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	if s.deps.WebSocket != nil {
		s.router.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}
	s.router.GET("/health", s.health)
	s.router.GET("/stats", s.stats)
	s.router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	})
	if s.deps.Gatherer != nil {
		s.router.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

// health reports "degraded" while any account has no usable instance.
func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.deps.Manager != nil {
		var down []string
		for _, a := range s.deps.Manager.Stats().Accounts {
			if !a.Available {
				down = append(down, a.Account)
			}
		}
		if len(down) > 0 {
			resp["status"] = "degraded"
			resp["unavailable"] = down
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) stats(c *gin.Context) {
	resp := gin.H{}
	if s.deps.Manager != nil {
		resp["connections"] = s.deps.Manager.Stats()
	}
	if s.deps.Proxy != nil {
		resp["sessions"] = s.deps.Proxy.Stats()
	}
	if s.deps.Bus != nil {
		resp["bus"] = s.deps.Bus.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

// observe records request latency by route.
func observe(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
