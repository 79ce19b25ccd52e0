// Package relay bridges a carrier media socket to a realtime speech provider
// for the AI receptionist. Each call gets one Session whose loop owns the
// handshake watchdog, the silence monitor and all call bookkeeping.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/notify"
	"github.com/flowpbx/frontdesk/internal/safety"
)

// Config holds the relay timings and provider session settings.
type Config struct {
	HandshakeTimeout time.Duration
	SilenceInterval  time.Duration
	SilenceThreshold time.Duration
	NudgeWindow      time.Duration
	WriteTimeout     time.Duration
	// StoreTimeout bounds each best-effort store write, redirect and safety
	// evaluation.
	StoreTimeout time.Duration
	Instructions string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 3000 * time.Millisecond,
		SilenceInterval:  2000 * time.Millisecond,
		SilenceThreshold: 6000 * time.Millisecond,
		NudgeWindow:      3000 * time.Millisecond,
		WriteTimeout:     5 * time.Second,
		StoreTimeout:     3 * time.Second,
	}
}

// CallOptions are the per-call policy values read when a session starts.
type CallOptions struct {
	FailOpen bool
	Voice    string
}

// OptionsFunc returns the policy for a new session.
type OptionsFunc func(ctx context.Context) CallOptions

// SessionStore is the call session subset the relay writes.
type SessionStore interface {
	SetStreamSid(ctx context.Context, callSid, streamSid string) error
	FlagHandoff(ctx context.Context, callSid, reason, failPath string, captured map[string]any) error
	FlagReview(ctx context.Context, callSid, reason string, confidence float64, sentiment *float64) error
	Complete(ctx context.Context, callSid string, c models.CallCompletion) error
}

// EvidenceStore records handshake evidence.
type EvidenceStore interface {
	Begin(ctx context.Context, callSid string, startedAt time.Time) error
	Upsert(ctx context.Context, e *models.StreamEvidence) error
}

// TimelineStore appends call timeline events.
type TimelineStore interface {
	Append(ctx context.Context, callSid, event string, metadata map[string]any) error
}

// SafetyStore records safety escalations.
type SafetyStore interface {
	Create(ctx context.Context, entry *models.SafetyLog) error
}

// Stores groups the persistence the relay writes to.
type Stores struct {
	Sessions SessionStore
	Evidence EvidenceStore
	Timeline TimelineStore
	Safety   SafetyStore
}

// Stats are cumulative relay counters.
type Stats struct {
	handshakes        atomic.Int64
	handshakeTimeouts atomic.Int64
	handoffs          atomic.Int64
	silenceTimeouts   atomic.Int64
	providerErrors    atomic.Int64
	escalations       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the relay counters.
type StatsSnapshot struct {
	Active            int
	Handshakes        int64
	HandshakeTimeouts int64
	Handoffs          int64
	SilenceTimeouts   int64
	ProviderErrors    int64
	Escalations       int64
}

// ManagerDeps holds the collaborators shared by every session. Redirector
// and Options may be nil.
type ManagerDeps struct {
	Stores     Stores
	Dialer     Dialer
	Evaluator  safety.Evaluator
	Notifier   notify.Notifier
	Redirector Redirector
	Options    OptionsFunc
	Clock      Clock
	Logger     *slog.Logger
}

// Manager tracks the live relay sessions.
type Manager struct {
	cfg    Config
	deps   ManagerDeps
	stats  Stats
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps ManagerDeps) *Manager {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Evaluator == nil {
		deps.Evaluator = safety.KeywordEvaluator{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("subsystem", "relay"),
		sessions: make(map[string]context.CancelFunc),
	}
}

// Serve runs a relay session for callSid over the already upgraded carrier
// socket and blocks until it ends. A second socket for a call that is
// already relaying is refused.
func (m *Manager) Serve(ctx context.Context, callSid string, carrier Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if _, exists := m.sessions[callSid]; exists {
		m.mu.Unlock()
		carrier.Close() //nolint:errcheck
		return fmt.Errorf("relay session for call %q already exists", callSid)
	}
	m.sessions[callSid] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, callSid)
		m.mu.Unlock()
	}()

	m.newSession(ctx, callSid, carrier).Run(ctx)
	return nil
}

func (m *Manager) newSession(ctx context.Context, callSid string, carrier Conn) *Session {
	opts := CallOptions{FailOpen: true}
	if m.deps.Options != nil {
		opts = m.deps.Options(ctx)
	}
	return &Session{
		callSid:    callSid,
		cfg:        m.cfg,
		opts:       opts,
		carrier:    carrier,
		dialer:     m.deps.Dialer,
		clock:      m.deps.Clock,
		stores:     m.deps.Stores,
		evaluator:  m.deps.Evaluator,
		notifier:   m.deps.Notifier,
		redirector: m.deps.Redirector,
		stats:      &m.stats,
		logger:     m.logger.With("call_sid", callSid),
		events:     make(chan event),
		done:       make(chan struct{}),
	}
}

// ActiveCount returns the number of running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns a snapshot of the relay counters.
func (m *Manager) Stats() StatsSnapshot {
	return StatsSnapshot{
		Active:            m.ActiveCount(),
		Handshakes:        m.stats.handshakes.Load(),
		HandshakeTimeouts: m.stats.handshakeTimeouts.Load(),
		Handoffs:          m.stats.handoffs.Load(),
		SilenceTimeouts:   m.stats.silenceTimeouts.Load(),
		ProviderErrors:    m.stats.providerErrors.Load(),
		Escalations:       m.stats.escalations.Load(),
	}
}

// CloseAll ends every running session. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cancel := range m.sessions {
		cancel()
	}
	if n := len(m.sessions); n > 0 {
		m.logger.Info("closing relay sessions", "count", n)
	}
}
