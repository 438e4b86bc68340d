package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
	"github.com/GriffinCanCode/userscript-bridge/internal/config"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/middleware"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
	"github.com/GriffinCanCode/userscript-bridge/internal/network"
)

const (
	shutdownTimeout = 5 * time.Second
	defaultHost     = "127.0.0.1"
)

// Server exposes the bridge to remote pages over HTTP and websockets.
type Server struct {
	router   *gin.Engine
	config   config.ServerConfig
	bridge   *bridge.Bridge
	adapter  *network.Adapter
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[string]*wsChannel
}

// NewServer wires the routes. adapter may be nil when no network capability
// is registered.
func NewServer(cfg config.ServerConfig, b *bridge.Bridge, adapter *network.Adapter, logger *logging.Logger, metrics *monitoring.Metrics) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		config:  cfg,
		bridge:  b,
		adapter: adapter,
		logger:  logger.Named("server"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Userscripts run on arbitrary origins
			},
		},
		conns: make(map[string]*wsChannel),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(s.logger))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	router.GET("/health", s.health)
	router.GET("/ws", s.handleConnection)
	router.GET("/scripts/bridge.js", s.bridgeScript)
	if metrics != nil {
		handler := metrics.Handler()
		router.GET("/metrics", func(c *gin.Context) {
			handler.ServeHTTP(c.Writer, c.Request)
		})
	}

	s.router = router
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr is the listen address. An empty host binds loopback, not every
// interface.
func (s *Server) Addr() string {
	host := s.config.Host
	if host == "" {
		host = defaultHost
	}
	return net.JoinHostPort(host, s.config.Port)
}

// IsLoopback reports whether host only accepts local connections.
func IsLoopback(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr()
	if !IsLoopback(s.config.Host) {
		s.logger.Warn("Serving on a non-loopback address; any page that reaches it can fetch through the xhr capability",
			zap.String("host", s.config.Host))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Close drops every websocket connection.
func (s *Server) Close() {
	s.connMu.Lock()
	conns := make([]*wsChannel, 0, len(s.conns))
	for _, ch := range s.conns {
		conns = append(conns, ch)
	}
	s.connMu.Unlock()

	for _, ch := range conns {
		_ = ch.close()
	}
}

// Connections returns the number of open websocket channels.
func (s *Server) Connections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}
