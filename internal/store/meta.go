package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync metadata keys.
const (
	MetaDeltaCursor       = "delta_cursor"
	MetaAllowlistETag     = "tag_allowlist_etag"
	MetaAllowlistSyncedAt = "tag_allowlist_last_sync"
)

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// GetDeltaCursor returns the stored changed-since watermark, or the zero time
// with ErrNotFound when no run has completed yet.
func (s *SQLiteStore) GetDeltaCursor(ctx context.Context) (time.Time, error) {
	value, err := s.GetSyncMeta(ctx, MetaDeltaCursor)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse delta cursor %q: %w", value, err)
	}
	return t, nil
}

// SetDeltaCursor stores the changed-since watermark. Callers pass the run's
// start time, not its end, so changes landing mid-run are re-read next time.
func (s *SQLiteStore) SetDeltaCursor(ctx context.Context, t time.Time) error {
	return s.SetSyncMeta(ctx, MetaDeltaCursor, t.UTC().Format(time.RFC3339Nano))
}
