// Package admin serves the operator HTTP surface of a running peripheral:
// liveness, readiness, Prometheus metrics and the active bindings.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zmodbus"
	"github.com/crazyfrankie/zmodbus/transport"
)

// Status is the view of the server the admin surface reports on.
type Status interface {
	State() zmodbus.State
	Bindings() []transport.BindingInfo
}

type Server struct {
	router   *gin.Engine
	http     *http.Server
	status   Status
	gatherer prometheus.Gatherer
	started  time.Time
	version  string
}

// New builds the admin server. A nil gatherer serves the default registry.
func New(addr string, status Status, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	s := &Server{
		router:   r,
		status:   status,
		gatherer: gatherer,
		started:  time.Now(),
		version:  "0.1.0",
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.registerRoutes()

	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"version": s.version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		state := s.status.State()
		code := http.StatusOK
		if state != zmodbus.Running {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": state == zmodbus.Running,
			"state": state.String(),
		})
	})

	s.router.GET("/bindings", func(c *gin.Context) {
		bindings := s.status.Bindings()
		if bindings == nil {
			bindings = []transport.BindingInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"bindings": bindings})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// Serve listens on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	zap.L().Info("admin server listening", zap.Stringer("addr", lis.Addr()))
	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			zap.L().Error("http_request", fields...)
		case status >= 400:
			zap.L().Warn("http_request", fields...)
		default:
			zap.L().Debug("http_request", fields...)
		}
	}
}
