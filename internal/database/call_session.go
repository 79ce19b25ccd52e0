package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
)

// notTerminal is appended to every mutating statement so that completed and
// failed sessions never change again.
const notTerminal = ` AND status NOT IN ('completed', 'failed')`

// callSessionRepo implements CallSessionRepository.
type callSessionRepo struct {
	db  *DB
	now func() time.Time
}

// NewCallSessionRepository creates a new CallSessionRepository.
func NewCallSessionRepository(db *DB) CallSessionRepository {
	return &callSessionRepo{db: db, now: time.Now}
}

// Create inserts a session, ignoring duplicates.
func (r *callSessionRepo) Create(ctx context.Context, s *models.CallSession) (bool, error) {
	if s.Status == "" {
		s.Status = models.StatusInitiated
	}
	if s.Consent == "" {
		s.Consent = models.ConsentUnknown
	}
	now := r.now()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	captured, err := encodeFields(s.CapturedFields)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_sessions (call_sid, from_e164, to_e164, status, consent,
		 answered_by, amd_detected, mode, pickup_mode, captured_fields, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_sid) DO NOTHING`,
		s.CallSid, s.From, s.To, string(s.Status), string(s.Consent),
		s.AnsweredBy, s.AMDDetected, string(s.Mode), s.PickupMode, captured,
		millis(s.StartedAt), millis(now),
	)
	if err != nil {
		return false, fmt.Errorf("inserting call session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

const sessionColumns = `call_sid, from_e164, to_e164, status, consent, answered_by, amd_detected,
 mode, pickup_mode, handoff, handoff_reason, fail_path, review_flag, review_reason,
 review_confidence, review_sentiment, stream_sid, transcript, captured_fields,
 duration_seconds, turn_count, avg_sentiment, started_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.CallSession, error) {
	var (
		s                                      models.CallSession
		status, consent, mode, captured        string
		reviewConfidence, reviewSentiment, avg sql.NullFloat64
		startedAt, updatedAt                   int64
		endedAt                                sql.NullInt64
	)
	err := row.Scan(&s.CallSid, &s.From, &s.To, &status, &consent, &s.AnsweredBy, &s.AMDDetected,
		&mode, &s.PickupMode, &s.Handoff, &s.HandoffReason, &s.FailPath, &s.ReviewFlag, &s.ReviewReason,
		&reviewConfidence, &reviewSentiment, &s.StreamSid, &s.Transcript, &captured,
		&s.DurationSeconds, &s.TurnCount, &avg, &startedAt, &endedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Status = models.CallStatus(status)
	s.Consent = models.Consent(consent)
	s.Mode = models.CallMode(mode)
	s.ReviewConfidence = floatPtr(reviewConfidence)
	s.ReviewSentiment = floatPtr(reviewSentiment)
	s.AvgSentiment = floatPtr(avg)
	s.StartedAt = fromMillis(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.UpdatedAt = fromMillis(updatedAt)
	if s.CapturedFields, err = decodeFields(captured); err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns a session by call id, or nil if none exists.
func (r *callSessionRepo) Get(ctx context.Context, callSid string) (*models.CallSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE call_sid = ?`, callSid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call session: %w", err)
	}
	return s, nil
}

// ListRecent returns up to limit sessions, newest first.
func (r *callSessionRepo) ListRecent(ctx context.Context, limit int) ([]models.CallSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions ORDER BY started_at DESC, call_sid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing call sessions: %w", err)
	}
	defer rows.Close()

	var out []models.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountStartedSince returns the number of sessions started at or after since.
func (r *callSessionRepo) CountStartedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_sessions WHERE started_at >= ?`, millis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting recent call sessions: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of sessions in each status.
func (r *callSessionRepo) CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM call_sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting call sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CallStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning session count: %w", err)
		}
		counts[models.CallStatus(status)] = n
	}
	return counts, rows.Err()
}

// SetConsent stores the caller's recording consent decision.
func (r *callSessionRepo) SetConsent(ctx context.Context, callSid string, consent models.Consent) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET consent = ?, updated_at = ? WHERE call_sid = ?`+notTerminal,
		string(consent), millis(r.now()), callSid,
	)
	if err != nil {
		return fmt.Errorf("updating call consent: %w", err)
	}
	return nil
}

// SetMode records the routing decision and moves the session to status if
// that transition is allowed.
func (r *callSessionRepo) SetMode(ctx context.Context, callSid string, mode models.CallMode, pickupMode string, status models.CallStatus) error {
	where, args := statusGuard(status)
	args = append([]any{string(mode), pickupMode, string(status), millis(r.now()), callSid}, args...)
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET mode = ?, pickup_mode = ?, status = ?, updated_at = ?
		 WHERE call_sid = ?`+where+notTerminal,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating call mode: %w", err)
	}
	return nil
}

// UpdateStatus moves the session to status if that transition is allowed.
func (r *callSessionRepo) UpdateStatus(ctx context.Context, callSid string, status models.CallStatus) error {
	where, args := statusGuard(status)
	args = append([]any{string(status), millis(r.now()), callSid}, args...)
	q := `UPDATE call_sessions SET status = ?, updated_at = ?`
	if status.Terminal() {
		q = `UPDATE call_sessions SET status = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?)`
		args = append([]any{args[0], args[1], args[1]}, args[2:]...)
	}
	_, err := r.db.ExecContext(ctx, q+` WHERE call_sid = ?`+where+notTerminal, args...)
	if err != nil {
		return fmt.Errorf("updating call status: %w", err)
	}
	return nil
}

// SetStreamSid stores the carrier stream id.
func (r *callSessionRepo) SetStreamSid(ctx context.Context, callSid, streamSid string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET stream_sid = ?, updated_at = ? WHERE call_sid = ?`+notTerminal,
		streamSid, millis(r.now()), callSid,
	)
	if err != nil {
		return fmt.Errorf("updating stream sid: %w", err)
	}
	return nil
}

// FlagHandoff marks the session for a human handoff and merges captured into
// the stored captured fields.
func (r *callSessionRepo) FlagHandoff(ctx context.Context, callSid, reason, failPath string, captured map[string]any) error {
	merged, err := r.mergeFields(ctx, callSid, captured)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE call_sessions SET handoff = ?, handoff_reason = ?, fail_path = ?,
		 captured_fields = ?, updated_at = ? WHERE call_sid = ?`+notTerminal,
		true, reason, failPath, merged, millis(r.now()), callSid,
	)
	if err != nil {
		return fmt.Errorf("flagging handoff: %w", err)
	}
	return nil
}

// FlagReview marks the session for human review after a safety escalation.
func (r *callSessionRepo) FlagReview(ctx context.Context, callSid, reason string, confidence float64, sentiment *float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET review_flag = ?, review_reason = ?, review_confidence = ?,
		 review_sentiment = ?, updated_at = ? WHERE call_sid = ?`+notTerminal,
		true, reason, confidence, nullFloat(sentiment), millis(r.now()), callSid,
	)
	if err != nil {
		return fmt.Errorf("flagging review: %w", err)
	}
	return nil
}

// Complete writes the final bookkeeping of a relayed call and marks it
// completed.
func (r *callSessionRepo) Complete(ctx context.Context, callSid string, c models.CallCompletion) error {
	merged, err := r.mergeFields(ctx, callSid, c.CapturedFields)
	if err != nil {
		return err
	}
	endedAt := c.EndedAt
	if endedAt.IsZero() {
		endedAt = r.now()
	}
	status := models.StatusCompleted
	if c.Handoff {
		status = models.StatusBridging
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE call_sessions SET status = ?, duration_seconds = ?, transcript = ?,
		 captured_fields = ?, turn_count = ?, avg_sentiment = ?, ended_at = ?, updated_at = ?
		 WHERE call_sid = ?`+notTerminal,
		string(status), c.DurationSeconds, c.Transcript, merged, c.TurnCount,
		nullFloat(c.AvgSentiment), millis(endedAt), millis(r.now()), callSid,
	)
	if err != nil {
		return fmt.Errorf("completing call session: %w", err)
	}
	return nil
}

func (r *callSessionRepo) mergeFields(ctx context.Context, callSid string, add map[string]any) (string, error) {
	var current string
	err := r.db.QueryRowContext(ctx,
		`SELECT captured_fields FROM call_sessions WHERE call_sid = ?`, callSid,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("querying captured fields: %w", err)
	}
	fields, err := decodeFields(current)
	if err != nil {
		return "", err
	}
	for k, v := range add {
		fields[k] = v
	}
	return encodeFields(fields)
}

// statusGuard restricts an update to rows whose current status may move to
// next.
func statusGuard(next models.CallStatus) (string, []any) {
	from := models.Predecessors(next)
	if len(from) == 0 {
		return ` AND 1 = 0`, nil
	}
	args := make([]any, len(from))
	marks := make([]string, len(from))
	for i, s := range from {
		args[i] = string(s)
		marks[i] = "?"
	}
	return ` AND status IN (` + strings.Join(marks, ", ") + `)`, args
}

func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding captured fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(raw string) (map[string]any, error) {
	fields := map[string]any{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decoding captured fields: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
