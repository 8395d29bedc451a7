// Package server exposes the agent ingest API, the alert API and the
// realtime endpoint over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/serversentinel/sentinel/internal/alerts"
	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/intake"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/store"
)

// Deps are the components the HTTP layer fronts.
type Deps struct {
	Store    store.Store
	Alerts   *alerts.Service
	Intake   *intake.Gate
	Auth     *UserAuth
	Realtime http.Handler
	Metrics  http.Handler
	// Health adds component details to /healthz.
	Health func() map[string]any
}

type Server struct {
	cfg         *Config
	store       store.Store
	alerts      *alerts.Service
	intake      *intake.Gate
	auth        *UserAuth
	health      func() map[string]any
	router      chi.Router
	httpSrv     *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
	// ACME HTTP-01 listener, set in autocert mode
	challengeSrv *http.Server
}

func New(cfg *Config, deps Deps, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	rl := newRateLimiter(time.Duration(cfg.IngestRefillMilli)*time.Millisecond, cfg.IngestBurst)

	auth := deps.Auth
	if auth == nil {
		auth = NewUserAuth(deps.Store)
	}

	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		alerts:      deps.Alerts,
		intake:      deps.Intake,
		auth:        auth,
		health:      deps.Health,
		router:      r,
		logger:      logger,
		rateLimiter: rl,
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		// Agent API
		r.With(rl.middleware, s.clientPasswordAuth).Post("/metrics", s.handleIngest)

		// User API
		r.Group(func(r chi.Router) {
			r.Use(s.userAuth)

			r.Get("/alerts", s.handleListAlerts)
			r.Get("/alerts/stats", s.handleAlertStats)
			r.Get("/alerts/{id}", s.handleGetAlert)
			r.Get("/alerts/{id}/deliveries", s.handleAlertDeliveries)
			r.Group(func(r chi.Router) {
				r.Use(requireRole(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator))
				r.Post("/alerts/{id}/acknowledge", s.handleAcknowledge)
				r.Post("/alerts/{id}/close", s.handleClose)
			})

			r.Get("/clients", s.handleListClients)
			r.Get("/clients/{id}", s.handleGetClient)
			r.Get("/clients/{id}/samples", s.handleGetSamples)
			r.Get("/clients/{id}/samples/summary", s.handleGetSampleSummary)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(models.RoleSuperAdmin, models.RoleAdmin))
				r.Get("/notifications/failed", s.handleListFailedJobs)
				r.Get("/settings", s.handleGetSettings)
				r.Put("/settings", s.handleUpdateSettings)
			})
		})
	})

	if deps.Realtime != nil {
		r.Method(http.MethodGet, "/ws", deps.Realtime)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Health check (no auth)
	r.Get("/healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("starting server", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSMode)
	return ignoreClosed(s.httpSrv.ListenAndServe())
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.stop()
	if s.challengeSrv != nil {
		_ = s.challengeSrv.Shutdown(ctx)
	}
	return s.httpSrv.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case apperr.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrClientInactive):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
