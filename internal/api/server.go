// Package api assembles the HTTP surface: carrier webhooks and the media
// socket under /voice, the health check, metrics and the operator API.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/flowpbx/frontdesk/internal/api/middleware"
	"github.com/flowpbx/frontdesk/internal/database"
	"github.com/flowpbx/frontdesk/internal/voice"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ActiveCounter reports the number of live relay sessions.
type ActiveCounter interface {
	ActiveCount() int
}

// PolicyLoader returns the effective voice policy.
type PolicyLoader interface {
	Load(ctx context.Context) voice.Policy
}

// Deps holds the server's collaborators. Voice and Metrics are mounted as
// given; the operator API is only mounted when AdminToken is set.
type Deps struct {
	DB         Pinger
	Sessions   database.CallSessionRepository
	Timeline   database.TimelineRepository
	Evidence   database.StreamEvidenceRepository
	Safety     database.SafetyLogRepository
	Recordings database.RecordingRepository
	Settings   database.VoiceSettingsRepository
	Policy     PolicyLoader
	Relay      ActiveCounter

	Voice   http.Handler
	Metrics http.Handler

	Health     HealthConfig
	AdminToken string
	TLSEnabled bool
	Logger     *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	deps      Deps
	logger    *slog.Logger
	ipLimiter *middleware.KeyedRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.With("subsystem", "api"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources.
func (s *Server) Close() {
	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.deps.TLSEnabled))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Voice != nil {
		r.Mount("/voice", s.deps.Voice)
	}

	if s.deps.AdminToken == "" {
		s.logger.Info("operator api disabled (no admin token)")
		return
	}
	s.ipLimiter = middleware.NewKeyedRateLimiter("operator-api", middleware.DefaultRateLimitConfig())
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.ipLimiter))
		r.Use(middleware.RequireBearer(s.deps.AdminToken))

		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{callSid}", s.handleGetCall)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings/{key}", s.handlePutSetting)
	})
}
