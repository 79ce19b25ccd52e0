package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
)

// streamEvidenceRepo implements StreamEvidenceRepository.
type streamEvidenceRepo struct {
	db *DB
}

// NewStreamEvidenceRepository creates a new StreamEvidenceRepository.
func NewStreamEvidenceRepository(db *DB) StreamEvidenceRepository {
	return &streamEvidenceRepo{db: db}
}

// Begin writes a pending evidence row for a newly opened relay session.
func (r *streamEvidenceRepo) Begin(ctx context.Context, callSid string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_evidence (call_sid, started_at, elapsed_ms, fell_back, error_message)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (call_sid) DO NOTHING`,
		callSid, millis(startedAt), 0, false, "",
	)
	if err != nil {
		return fmt.Errorf("inserting stream evidence: %w", err)
	}
	return nil
}

// Upsert records the handshake outcome. The original start time is kept when
// a row already exists.
func (r *streamEvidenceRepo) Upsert(ctx context.Context, e *models.StreamEvidence) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_evidence (call_sid, started_at, connected_at, elapsed_ms, fell_back, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_sid) DO UPDATE SET
		   connected_at = excluded.connected_at,
		   elapsed_ms = excluded.elapsed_ms,
		   fell_back = excluded.fell_back,
		   error_message = excluded.error_message`,
		e.CallSid, millis(e.StartedAt), nullMillis(e.ConnectedAt), e.ElapsedMs, e.FellBack, e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("upserting stream evidence: %w", err)
	}
	return nil
}

// Get returns the evidence for a call, or nil if none exists.
func (r *streamEvidenceRepo) Get(ctx context.Context, callSid string) (*models.StreamEvidence, error) {
	var (
		e           models.StreamEvidence
		startedAt   int64
		connectedAt sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT call_sid, started_at, connected_at, elapsed_ms, fell_back, error_message
		 FROM stream_evidence WHERE call_sid = ?`, callSid,
	).Scan(&e.CallSid, &startedAt, &connectedAt, &e.ElapsedMs, &e.FellBack, &e.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying stream evidence: %w", err)
	}
	e.StartedAt = fromMillis(startedAt)
	e.ConnectedAt = timePtr(connectedAt)
	return &e, nil
}

// CountPending counts handshakes started at or after since that have not
// connected.
func (r *streamEvidenceRepo) CountPending(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_evidence WHERE connected_at IS NULL AND started_at >= ?`,
		millis(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending streams: %w", err)
	}
	return n, nil
}
