package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
)

// voiceSettingsRepo implements VoiceSettingsRepository. Values are read from
// the database on every call so that edits take effect on the next webhook.
type voiceSettingsRepo struct {
	db *DB
}

// NewVoiceSettingsRepository creates a new VoiceSettingsRepository.
func NewVoiceSettingsRepository(db *DB) VoiceSettingsRepository {
	return &voiceSettingsRepo{db: db}
}

// Get returns the value for the given key. Returns empty string if not found.
func (r *voiceSettingsRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM voice_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying voice setting %q: %w", key, err)
	}
	return value, nil
}

// Set inserts or updates a key-value pair.
func (r *voiceSettingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO voice_settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("setting voice setting %q: %w", key, err)
	}
	return nil
}

// GetAll returns all voice settings ordered by key.
func (r *voiceSettingsRepo) GetAll(ctx context.Context) ([]models.VoiceSetting, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value, updated_at FROM voice_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying voice settings: %w", err)
	}
	defer rows.Close()

	var settings []models.VoiceSetting
	for rows.Next() {
		var (
			s         models.VoiceSetting
			updatedAt int64
		)
		if err := rows.Scan(&s.Key, &s.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning voice setting row: %w", err)
		}
		s.UpdatedAt = fromMillis(updatedAt)
		settings = append(settings, s)
	}
	return settings, rows.Err()
}
