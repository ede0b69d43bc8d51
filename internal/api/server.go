package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/siprouted/siprouted/internal/api/middleware"
	"github.com/siprouted/siprouted/internal/config"
	"github.com/siprouted/siprouted/internal/database"
	"github.com/siprouted/siprouted/internal/database/models"
	sipstack "github.com/siprouted/siprouted/internal/sip"
)

// Registrar is the slice of the SIP layer the API needs: live registration
// state and on-demand registration.
type Registrar interface {
	Snapshot() []sipstack.Registration
	RegisterNow(ctx context.Context, gw models.Gateway) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	gateways  database.GatewayRepository
	admins    database.AdminUserRepository
	registrar Registrar
	limiter   *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. metricsHandler
// is served on /metrics; pass nil to disable it.
func NewServer(cfg *config.Config, gateways database.GatewayRepository, admins database.AdminUserRepository, registrar Registrar, metricsHandler http.Handler) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		gateways:  gateways,
		admins:    admins,
		registrar: registrar,
		limiter:   middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes(metricsHandler)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Recoverer)

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Setup and login share the stricter auth rate limit.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Post("/setup", s.handleSetup)
			r.Post("/auth/login", s.handleLogin)
		})

		// Everything below requires a valid admin token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminAuth([]byte(s.cfg.JWTSecret)))

			r.Get("/registrations", s.handleListRegistrations)

			r.Route("/gateways", func(r chi.Router) {
				r.Get("/", s.handleListGateways)
				r.Post("/", s.handleCreateGateway)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetGateway)
					r.Put("/", s.handleUpdateGateway)
					r.Delete("/", s.handleDeleteGateway)
					r.Post("/register", s.handleRegisterGateway)
				})
			})
		})
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
