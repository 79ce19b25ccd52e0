package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/google/uuid"
)

// timelineRepo implements TimelineRepository.
type timelineRepo struct {
	db  *DB
	now func() time.Time
}

// NewTimelineRepository creates a new TimelineRepository.
func NewTimelineRepository(db *DB) TimelineRepository {
	return &timelineRepo{db: db, now: time.Now}
}

// Append adds an event to a call's timeline.
func (r *timelineRepo) Append(ctx context.Context, callSid, event string, metadata map[string]any) error {
	meta := []byte("{}")
	if len(metadata) > 0 {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("encoding timeline metadata: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_timeline (event_id, call_sid, event, occurred_at, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), callSid, event, millis(r.now()), string(meta),
	)
	if err != nil {
		return fmt.Errorf("inserting timeline event %s: %w", event, err)
	}
	return nil
}

// ListByCall returns a call's timeline in insertion order.
func (r *timelineRepo) ListByCall(ctx context.Context, callSid string) ([]models.TimelineEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, event_id, call_sid, event, occurred_at, metadata
		 FROM call_timeline WHERE call_sid = ? ORDER BY seq`, callSid,
	)
	if err != nil {
		return nil, fmt.Errorf("listing timeline events: %w", err)
	}
	defer rows.Close()

	var events []models.TimelineEvent
	for rows.Next() {
		var (
			e          models.TimelineEvent
			occurredAt int64
			meta       string
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &e.CallSid, &e.Event, &occurredAt, &meta); err != nil {
			return nil, fmt.Errorf("scanning timeline row: %w", err)
		}
		e.OccurredAt = fromMillis(occurredAt)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding timeline metadata: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating timeline rows: %w", err)
	}
	return events, nil
}
