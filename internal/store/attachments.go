package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Attachment maps a content fingerprint to its stored object key. The
// fingerprint is the dedup signal: a second record referencing the same bytes
// reuses the existing key instead of re-downloading.
type Attachment struct {
	Fingerprint string
	FileKey     string
	SourceURL   string
	CreatedAt   time.Time
}

// GetAttachmentByFingerprint returns the stored attachment for a fingerprint.
func (s *SQLiteStore) GetAttachmentByFingerprint(ctx context.Context, fingerprint string) (*Attachment, error) {
	var a Attachment
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, file_key, source_url, created_at
		FROM attachments WHERE fingerprint = ?
	`, fingerprint).Scan(&a.Fingerprint, &a.FileKey, &a.SourceURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// GetAttachmentBySourceURL returns the most recent attachment downloaded from
// the given URL. Lets the materializer skip a re-download when the source
// reference has not changed.
func (s *SQLiteStore) GetAttachmentBySourceURL(ctx context.Context, sourceURL string) (*Attachment, error) {
	var a Attachment
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, file_key, source_url, created_at
		FROM attachments WHERE source_url = ?
		ORDER BY created_at DESC LIMIT 1
	`, sourceURL).Scan(&a.Fingerprint, &a.FileKey, &a.SourceURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment by url: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// RecordAttachment stores the fingerprint → key mapping for future dedup.
func (s *SQLiteStore) RecordAttachment(ctx context.Context, a *Attachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attachments (fingerprint, file_key, source_url, created_at)
		VALUES (?, ?, ?, ?)
	`, a.Fingerprint, a.FileKey, a.SourceURL, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record attachment: %w", err)
	}
	return nil
}
