package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/google/uuid"
)

// safetyLogRepo implements SafetyLogRepository.
type safetyLogRepo struct {
	db *DB
}

// NewSafetyLogRepository creates a new SafetyLogRepository.
func NewSafetyLogRepository(db *DB) SafetyLogRepository {
	return &safetyLogRepo{db: db}
}

// Create appends a safety log entry, assigning an id and timestamp if unset.
func (r *safetyLogRepo) Create(ctx context.Context, entry *models.SafetyLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO safety_logs (id, call_sid, event_type, reason, confidence,
		 sanitized_text, sentiment_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CallSid, entry.EventType, entry.Reason, entry.Confidence,
		entry.SanitizedText, nullFloat(entry.SentimentScore), millis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting safety log: %w", err)
	}
	return nil
}

// ListByCall returns a call's safety log entries, oldest first.
func (r *safetyLogRepo) ListByCall(ctx context.Context, callSid string) ([]models.SafetyLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, event_type, reason, confidence, sanitized_text,
		 sentiment_score, created_at
		 FROM safety_logs WHERE call_sid = ? ORDER BY created_at`, callSid,
	)
	if err != nil {
		return nil, fmt.Errorf("listing safety logs: %w", err)
	}
	defer rows.Close()

	var entries []models.SafetyLog
	for rows.Next() {
		var (
			e         models.SafetyLog
			sentiment sql.NullFloat64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.CallSid, &e.EventType, &e.Reason, &e.Confidence,
			&e.SanitizedText, &sentiment, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning safety log row: %w", err)
		}
		e.SentimentScore = floatPtr(sentiment)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating safety log rows: %w", err)
	}
	return entries, nil
}
