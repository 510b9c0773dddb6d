// Package api implements the local serve mode of the bridge: a small HTTP
// server that accepts JSON-RPC requests from desktop MCP clients and forwards
// them to the authenticated Frappe assistant endpoint. Session-level methods
// are answered locally so a downstream client can complete its handshake
// without a round trip to the site.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/api/middleware"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/frappe-community/AssistantBridge/internal/logging"
	"github.com/frappe-community/AssistantBridge/sdk/bridge"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// serverStats tracks request counters for the /stats endpoint.
type serverStats struct {
	mu           sync.Mutex
	started      time.Time
	requests     uint64
	localHandled uint64
	forwarded    uint64
	failures     uint64
}

// Server is the serve-mode HTTP server.
type Server struct {
	cfg        *config.Config
	client     *bridge.Client
	engine     *gin.Engine
	httpServer *http.Server
	stats      serverStats

	cfgMu sync.RWMutex
}

// NewServer constructs the serve-mode server around an authenticated bridge client.
func NewServer(cfg *config.Config, client *bridge.Client) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		client: client,
		engine: gin.New(),
	}
	s.stats.started = time.Now()

	s.engine.Use(logging.GinLogrusLogger())
	s.engine.Use(logging.GinLogrusRecovery())
	if cfg.RequestLog {
		s.engine.Use(middleware.RequestBodyLogging())
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/stats", s.handleStats)

	authed := s.engine.Group("/", middleware.APIKeyAuth(s.apiKeys))
	authed.POST("/mcp", s.handleMCP)
	authed.POST("/rpc", s.handleMCP)
}

// apiKeys returns the currently configured local API keys. Reading through a
// function keeps hot-reloaded config visible to the middleware.
func (s *Server) apiKeys() []string {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Serve.APIKeys
}

// UpdateConfig swaps the active configuration after a hot reload.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.cfgMu.RLock()
	addr := fmt.Sprintf("%s:%d", s.cfg.Serve.Host, s.cfg.Serve.Port)
	s.cfgMu.RUnlock()

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("serve mode listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the underlying engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
