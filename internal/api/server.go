// Package api provides the HTTP RPC and WebSocket server for packflow.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/packflow/internal/audit"
	"github.com/nerrad567/packflow/internal/automation"
	"github.com/nerrad567/packflow/internal/infrastructure/config"
	"github.com/nerrad567/packflow/internal/infrastructure/logging"
	"github.com/nerrad567/packflow/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ScopeResolver finds the startup a caller acts on when the token does not
// name one.
type ScopeResolver interface {
	StartupForOrg(ctx context.Context, orgID string) (string, error)
	StartupForUser(ctx context.Context, userID string) (string, error)
}

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Repo    automation.Repository
	Engine  *automation.Engine
	Emitter *automation.Emitter
	Chains  *automation.Orchestrator
	Scopes  ScopeResolver

	// MQTT enables event ingress when set.
	MQTT *mqtt.Client

	// Audit receives an entry per state-changing call when set.
	Audit audit.Repository

	// Checks are reported by the health endpoint, keyed by name.
	Checks map[string]HealthChecker

	// ExternalHub is shared with the engine so both broadcast on one hub.
	ExternalHub *Hub

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	repo        automation.Repository
	engine      *automation.Engine
	emitter     *automation.Emitter
	chains      *automation.Orchestrator
	scopes      ScopeResolver
	mqtt        *mqtt.Client
	audit       audit.Repository
	checks      map[string]HealthChecker
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	tickets     *ticketStore
	externalHub bool
	actions     map[string]action
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Repo == nil || deps.Engine == nil || deps.Emitter == nil || deps.Chains == nil {
		return nil, fmt.Errorf("automation repository, engine, emitter and chains are required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		repo:      deps.Repo,
		engine:    deps.Engine,
		emitter:   deps.Emitter,
		chains:    deps.Chains,
		scopes:    deps.Scopes,
		mqtt:      deps.MQTT,
		audit:     deps.Audit,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}
	s.actions = s.buildActions()

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub unless one was injected, subscribes to MQTT
// event ingress, and launches the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	go s.cleanTicketsLoop(srvCtx)

	if err := s.subscribeEventIngress(srvCtx); err != nil {
		s.logger.Warn("failed to subscribe to MQTT event ingress", "error", err)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.mqtt != nil {
		if err := s.mqtt.Unsubscribe(s.mqtt.Topics().AllEvents()); err != nil {
			s.logger.Debug("event ingress unsubscribe failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub returns the server's WebSocket hub, or nil before Start when none
// was injected.
func (s *Server) Hub() *Hub {
	return s.hub
}
