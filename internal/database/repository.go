package database

import (
	"context"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
)

// CallSessionRepository manages per-call session records. Every mutation
// leaves completed and failed sessions untouched.
type CallSessionRepository interface {
	// Create inserts the session if no row exists for its call id. It
	// reports whether a row was inserted; a duplicate is not an error.
	Create(ctx context.Context, s *models.CallSession) (bool, error)
	Get(ctx context.Context, callSid string) (*models.CallSession, error)
	SetConsent(ctx context.Context, callSid string, consent models.Consent) error
	SetMode(ctx context.Context, callSid string, mode models.CallMode, pickupMode string, status models.CallStatus) error
	UpdateStatus(ctx context.Context, callSid string, status models.CallStatus) error
	SetStreamSid(ctx context.Context, callSid, streamSid string) error
	FlagHandoff(ctx context.Context, callSid, reason, failPath string, captured map[string]any) error
	FlagReview(ctx context.Context, callSid, reason string, confidence float64, sentiment *float64) error
	Complete(ctx context.Context, callSid string, c models.CallCompletion) error
	ListRecent(ctx context.Context, limit int) ([]models.CallSession, error)
	CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error)
	CountStartedSince(ctx context.Context, since time.Time) (int64, error)
}

// TimelineRepository manages the append-only call timeline.
type TimelineRepository interface {
	Append(ctx context.Context, callSid, event string, metadata map[string]any) error
	ListByCall(ctx context.Context, callSid string) ([]models.TimelineEvent, error)
}

// StreamEvidenceRepository manages relay handshake evidence.
type StreamEvidenceRepository interface {
	// Begin writes a pending row unless one already exists.
	Begin(ctx context.Context, callSid string, startedAt time.Time) error
	Upsert(ctx context.Context, e *models.StreamEvidence) error
	Get(ctx context.Context, callSid string) (*models.StreamEvidence, error)
	// CountPending counts handshakes that started at or after since and have
	// not connected.
	CountPending(ctx context.Context, since time.Time) (int, error)
}

// SafetyLogRepository manages safety escalations.
type SafetyLogRepository interface {
	Create(ctx context.Context, entry *models.SafetyLog) error
	ListByCall(ctx context.Context, callSid string) ([]models.SafetyLog, error)
}

// RecordingRepository manages recording callbacks.
type RecordingRepository interface {
	// Create inserts the event unless its idempotency key was seen before,
	// and reports whether it was inserted.
	Create(ctx context.Context, rec *models.RecordingEvent) (bool, error)
	ListByCall(ctx context.Context, callSid string) ([]models.RecordingEvent, error)
}

// VoiceSettingsRepository manages runtime voice policy overrides.
type VoiceSettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.VoiceSetting, error)
}
