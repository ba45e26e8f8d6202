package diag

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/reclo/reclo/internal/audit"
	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/diag/auth"
	"github.com/reclo/reclo/internal/diag/middleware"
	"github.com/reclo/reclo/internal/recorder"
	"github.com/reclo/reclo/internal/session"
	"github.com/reclo/reclo/internal/timesource"
)

// ServerConfig configures the diagnostics API server.
type ServerConfig struct {
	Addr          string
	CORSOrigins   []string
	JWTSecret     []byte
	PairingSecret string
	TLSEnabled    bool
}

// Server is reclod's diagnostics and pairing HTTP API: a global middleware
// stack, route tree, and graceful-shutdown lifecycle scoped to device
// telemetry and companion-app pairing.
type Server struct {
	httpServer  *http.Server
	handlers    *Handlers
	limiter     *middleware.IPRateLimiter
	pairLimiter *middleware.IPRateLimiter
	logger      *slog.Logger
}

// NewServer builds the router and wraps it in an http.Server bound to
// cfg.Addr.
func NewServer(cfg ServerConfig, store *chunkstore.Store, rec *recorder.Recorder, sess *session.Controller, clock *timesource.Source, auditLog *audit.Logger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "diag")

	h := NewHandlers(store, rec, sess, clock, cfg.PairingSecret, cfg.JWTSecret)
	h.SetAuditLogger(auditLog)

	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	pairLimiter := middleware.NewIPRateLimiter(middleware.PairingRateLimitConfig())

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.RateLimit(limiter))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(middleware.RateLimit(pairLimiter)).Post("/pair", h.handlePair)

		v1.Group(func(authed chi.Router) {
			authed.Use(auth.RequireAuth(cfg.JWTSecret))
			authed.Get("/status", h.handleStatus)
			authed.Get("/chunks", h.handleListChunks)
			authed.Post("/time-sync", h.handleTimeSync)
			authed.Get("/audit/batches", h.handleAuditBatches)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		handlers:    h,
		limiter:     limiter,
		pairLimiter: pairLimiter,
		logger:      logger,
	}
}

// SetSession rebinds the diagnostics API to a freshly (re)connected link
// session, for callers whose transport reconnects over the server's
// lifetime (the bundled TCP reference link, unlike a real BLE driver).
func (s *Server) SetSession(sess *session.Controller) {
	s.handlers.SetSession(sess)
}

// ListenAndServe runs the HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("diagnostics API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and its rate limiter goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	s.pairLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
