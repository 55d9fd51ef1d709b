// Package api provides the HTTP surface of the scan engine: payment
// webhooks, checkout verification, credit balance, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scan-engine/internal/circuitbreaker"
	"github.com/scan-engine/internal/config"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/models"
)

// PaymentsService is the payment surface the handlers call
type PaymentsService interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (bool, error)
	VerifyCheckout(ctx context.Context, tenantID, sessionID string) (bool, error)
}

// CreditsService is the ledger surface the handlers call
type CreditsService interface {
	Balance(ctx context.Context, tenantID string) (int64, error)
	Transactions(ctx context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	payments   PaymentsService
	credits    CreditsService
	breakers   *circuitbreaker.Registry
	checks     map[string]HealthCheck
	config     config.ServerConfig
}

// NewServer creates a new API server instance. breakers and checks may be nil.
func NewServer(cfg config.ServerConfig, payments PaymentsService, credits CreditsService, breakers *circuitbreaker.Registry, checks map[string]HealthCheck) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		payments: payments,
		credits:  credits,
		breakers: breakers,
		checks:   checks,
		config:   cfg,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Provider callbacks are authenticated by signature, not rate limited.
	s.router.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods("POST")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)))
	api.HandleFunc("/checkout/{sessionId}/verify", s.handleVerifyCheckout).Methods("POST")
	api.HandleFunc("/credits", s.handleGetCredits).Methods("GET")
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports dependency status and circuit breaker states.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]interface{}{
		"status":       status,
		"service":      "scan-engine",
		"dependencies": deps,
	}
	if s.breakers != nil {
		body["circuitBreakers"] = s.breakers.Stats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
