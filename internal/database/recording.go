package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
)

// RecordingKey builds the idempotency key of a recording callback.
func RecordingKey(callSid, recordingSid, status string) string {
	return callSid + "-" + recordingSid + "-" + status
}

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

// Create inserts a recording event unless its key already exists.
func (r *recordingRepo) Create(ctx context.Context, rec *models.RecordingEvent) (bool, error) {
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = RecordingKey(rec.CallSid, rec.RecordingSid, rec.Status)
	}
	if rec.Kind == "" {
		rec.Kind = models.RecordingCall
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_recordings (idempotency_key, call_sid, recording_sid, status,
		 kind, url, duration_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.IdempotencyKey, rec.CallSid, rec.RecordingSid, rec.Status,
		string(rec.Kind), rec.URL, rec.DurationSeconds, millis(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting recording event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByCall returns a call's recording events, oldest first.
func (r *recordingRepo) ListByCall(ctx context.Context, callSid string) ([]models.RecordingEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT idempotency_key, call_sid, recording_sid, status, kind, url,
		 duration_seconds, created_at
		 FROM call_recordings WHERE call_sid = ? ORDER BY created_at`, callSid,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recording events: %w", err)
	}
	defer rows.Close()

	var recs []models.RecordingEvent
	for rows.Next() {
		var (
			rec       models.RecordingEvent
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&rec.IdempotencyKey, &rec.CallSid, &rec.RecordingSid, &rec.Status,
			&kind, &rec.URL, &rec.DurationSeconds, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		rec.Kind = models.RecordingKind(kind)
		rec.CreatedAt = fromMillis(createdAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rows: %w", err)
	}
	return recs, nil
}
