// Package voice serves the carrier webhooks of an inbound call: the answer
// decision, recording consent, the digit escape, resumption after the relay
// ends, voicemail fallback and the recording and dial status callbacks.
package voice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/flowpbx/frontdesk/internal/callcontrol"
	"github.com/flowpbx/frontdesk/internal/config"
	"github.com/flowpbx/frontdesk/internal/database"
	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/phone"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/twilio/twilio-go/client"
)

// Routing decisions reported to the DecisionRecorder.
const (
	DecisionConsent     = "consent"
	DecisionRelay       = "relay"
	DecisionAdmin       = "admin"
	DecisionBridge      = "bridge"
	DecisionRejected    = "rejected"
	DecisionRateLimited = "rate_limited"
	DecisionVoicemail   = "voicemail"
)

// Config is the static part of the handler configuration.
type Config struct {
	PublicURL     string
	StreamBaseURL string
	Internal      phone.InternalConfig
	AuthToken     string
	SkipSignature bool
}

// ConfigFrom extracts the handler configuration from the process config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PublicURL:     cfg.PublicURL,
		StreamBaseURL: cfg.WebsocketBaseURL(),
		Internal: phone.InternalConfig{
			AdminNumber:    cfg.AdminNumber,
			OpsNumber:      cfg.OpsNumber,
			BusinessTarget: cfg.BusinessTarget,
			Extra:          cfg.InternalNumbers,
			Region:         cfg.DefaultRegion,
		},
		AuthToken:     cfg.TwilioAuthToken,
		SkipSignature: cfg.InsecureSkipSignature,
	}
}

func (c Config) signatureRequired() bool {
	return c.AuthToken != "" || !c.SkipSignature
}

// PolicyLoader returns the effective voice policy.
type PolicyLoader interface {
	Load(ctx context.Context) Policy
}

// CapacityChecker decides whether another relay session may start.
type CapacityChecker interface {
	HasCapacity(ctx context.Context, ceiling int, lookback time.Duration) bool
}

// TokenIssuer issues media socket tokens bound to a call.
type TokenIssuer interface {
	Issue(callSid string) (string, time.Time, error)
}

// RateLimiter limits webhooks per caller.
type RateLimiter interface {
	Allow(key string) bool
}

// DecisionRecorder observes routing decisions.
type DecisionRecorder interface {
	RecordDecision(decision string)
}

// Deps holds the collaborators of a Handler. CallerLimiter and Metrics may be
// nil.
type Deps struct {
	Sessions      database.CallSessionRepository
	Timeline      database.TimelineRepository
	Recordings    database.RecordingRepository
	Policy        PolicyLoader
	Admission     CapacityChecker
	Tokens        TokenIssuer
	CallerLimiter RateLimiter
	Metrics       DecisionRecorder
	Logger        *slog.Logger
}

// Handler serves the /voice routes.
type Handler struct {
	cfg        Config
	routes     callcontrol.Routes
	validator  client.RequestValidator
	sessions   database.CallSessionRepository
	timeline   database.TimelineRepository
	recordings database.RecordingRepository
	policy     PolicyLoader
	admission  CapacityChecker
	tokens     TokenIssuer
	limiter    RateLimiter
	metrics    DecisionRecorder
	logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:        cfg,
		routes:     callcontrol.NewRoutes(cfg.PublicURL),
		validator:  client.NewRequestValidator(cfg.AuthToken),
		sessions:   deps.Sessions,
		timeline:   deps.Timeline,
		recordings: deps.Recordings,
		policy:     deps.Policy,
		admission:  deps.Admission,
		tokens:     deps.Tokens,
		limiter:    deps.CallerLimiter,
		metrics:    deps.Metrics,
		logger:     logger.With("subsystem", "voice"),
	}
}

// Routes returns the /voice router. The media socket handler is mounted
// outside the signature check since it authenticates with its own token.
func (h *Handler) Routes(stream http.Handler) chi.Router {
	r := chi.NewRouter()
	if stream != nil {
		r.Method(http.MethodGet, "/stream", stream)
	}
	r.Group(func(r chi.Router) {
		r.Use(h.recoverTwiML)
		r.Use(h.verifySignature)

		r.Post("/answer", h.handleAnswer)
		r.Post("/consent", h.handleConsent)
		r.Post("/action", h.handleAction)
		r.Post("/stream-ended", h.handleResume)
		r.Post("/handoff", h.handleResume)
		r.Post("/voicemail-complete", h.handleVoicemailComplete)
		r.Post("/recording-status", h.handleRecordingStatus)
		r.Post("/status", h.handleDialStatus)
	})
	// The voicemail path reports its own failures as 500.
	r.Group(func(r chi.Router) {
		r.Use(h.recoverWith(http.StatusInternalServerError, callcontrol.FallbackErrorDocument))
		r.Use(h.verifySignature)

		r.Post("/fallback", h.handleFallback)
	})
	return r
}

// verifySignature rejects requests whose X-Twilio-Signature does not match
// the public URL the carrier called.
func (h *Handler) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			h.logger.Warn("unparseable webhook form", "path", r.URL.Path, "error", err)
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if !h.cfg.signatureRequired() {
			next.ServeHTTP(w, r)
			return
		}
		if h.cfg.AuthToken == "" {
			h.logger.Error("signature required but no auth token configured", "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}

		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		callbackURL := h.cfg.PublicURL + r.URL.RequestURI()
		if !h.validator.Validate(callbackURL, params, r.Header.Get("X-Twilio-Signature")) {
			h.logger.Warn("webhook signature mismatch", "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverTwiML turns a handler panic into the apology document so the caller
// hears something instead of the carrier's application error.
func (h *Handler) recoverTwiML(next http.Handler) http.Handler {
	return h.recoverWith(http.StatusOK, callcontrol.ErrorDocument)(next)
}

// recoverWith writes document with status when the wrapped handler panics.
func (h *Handler) recoverWith(status int, document func(voice string) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					h.logger.Error("panic in voice handler",
						"request_id", chimw.GetReqID(r.Context()),
						"panic", rec,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					writeTwiML(w, status, document(""))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeTwiML(w http.ResponseWriter, status int, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, doc) //nolint:errcheck
}

// respond writes doc, or the apology document when rendering failed.
func respond(w http.ResponseWriter, log *slog.Logger, voice, doc string, err error) {
	if err != nil {
		log.Error("rendering voice document", "error", err)
		writeTwiML(w, http.StatusOK, callcontrol.ErrorDocument(voice))
		return
	}
	writeTwiML(w, http.StatusOK, doc)
}

func (h *Handler) builder(p Policy) *callcontrol.Builder {
	return callcontrol.NewBuilder(p.Voice, h.routes)
}

func (h *Handler) record(decision string) {
	if h.metrics != nil {
		h.metrics.RecordDecision(decision)
	}
}

// streamFor issues a token and builds the media socket directive for a call.
func (h *Handler) streamFor(callSid string) (callcontrol.Stream, error) {
	token, _, err := h.tokens.Issue(callSid)
	if err != nil {
		return callcontrol.Stream{}, fmt.Errorf("issuing stream token: %w", err)
	}
	return callcontrol.Stream{URL: callcontrol.StreamURL(h.cfg.StreamBaseURL, callSid, token)}, nil
}

// Persistence from the webhook path is best-effort: failures are logged and
// the caller still gets a document.

func (h *Handler) appendTimeline(ctx context.Context, log *slog.Logger, callSid, event string, metadata map[string]any) {
	if err := h.timeline.Append(ctx, callSid, event, metadata); err != nil {
		log.Error("appending timeline event", "event", event, "error", err)
	}
}

// loadSession returns nil when the session is missing or cannot be read.
func (h *Handler) loadSession(ctx context.Context, log *slog.Logger, callSid string) *models.CallSession {
	s, err := h.sessions.Get(ctx, callSid)
	if err != nil {
		log.Error("loading call session", "error", err)
		return nil
	}
	return s
}
