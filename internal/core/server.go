// Package core provides the API chassis for the ClassPay platform. It
// creates the chi router and enforces cross-cutting concerns -- security,
// logging, request correlation, and error handling -- before requests reach
// the billing handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"classpay/internal/config"
)

// Authenticator resolves a bearer token to the tenant it belongs to. The
// session layer owns token issuance; the API chassis only needs the tenant
// identity for scoping.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (tenantID string, err error)
}

// Server encapsulates all dependencies for the ClassPay API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator

	// HealthProbes are checked concurrently by the health endpoint.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are populated by the application entry point to
	// mount domain handlers without an import cycle between core and the
	// handler packages.
	V1RouteRegistrars []func(chi.Router)

	// Internal router
	router *chi.Mux

	// Shutdown hooks run during graceful termination, in registration order.
	shutdownHooks []func(context.Context) error
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. The caller is responsible for mounting routes
// (via MountRoutes) after construction; this separation allows tests to
// customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a hook to run during graceful termination, such as
// closing the database pool.
func (s *Server) OnShutdown(hook func(context.Context) error) {
	s.shutdownHooks = append(s.shutdownHooks, hook)
}

// Shutdown performs a graceful termination of server resources by running
// the registered shutdown hooks in order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	for _, hook := range s.shutdownHooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			return fmt.Errorf("running shutdown hook: %w", err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
