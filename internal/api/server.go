// Package api serves the detection state and monitoring controls over HTTP.
// It is the display collaborator of the monitor: snapshots, threat history and
// recent events are polled here, and monitoring is toggled through it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/monitor"
)

// Config holds API server configuration.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// EventHistory is the number of recent events kept for /api/v1/events.
	EventHistory int
	Debug        bool
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EventHistory: 256,
	}
}

// Server is the HTTP API over a Monitor.
type Server struct {
	config   *Config
	monitor  *monitor.Monitor
	recorder *events.Recorder
	logger   *logging.Logger

	// base bounds monitoring runs started through the API. Request contexts
	// end with the request, so runs must not derive from them.
	base     context.Context
	defaults monitor.Options

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates an API server. base bounds every monitoring run started
// through POST /api/v1/monitor/start, and defaults supplies the run options a
// request does not override.
func NewServer(base context.Context, cfg *Config, mon *monitor.Monitor, defaults monitor.Options) (*Server, error) {
	if mon == nil {
		return nil, errors.New("api: monitor cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if base == nil {
		base = context.Background()
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:   cfg,
		monitor:  mon,
		recorder: events.NewRecorder(cfg.EventHistory),
		logger:   logging.APILogger(),
		base:     base,
		defaults: defaults,
		router:   gin.New(),
	}
	mon.Events().SetGlobalHandler(s.recorder.Handle)

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start binds the listen address and serves in a background goroutine. Bind
// failures, such as an address already in use, are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.config.Listen, err)
	}

	s.httpServer = &http.Server{
		Addr:         ln.Addr().String(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.logger.Info("starting API server", "listen", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", logging.Err(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server forced to shutdown", logging.Err(err))
		return err
	}
	return nil
}
