package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Resource is the local mirror of one remote record. local_id is assigned at
// most once per external_id and is never reused; deletion is a status flip.
type Resource struct {
	LocalID         string
	ExternalID      string
	Title           string
	Summary         string
	ResourceDate    string
	Type            string
	Tags            []string
	FileKey         string
	FileFingerprint string
	LastModified    string
	LastModifiedMS  int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

const resourceColumns = `local_id, external_id, title, summary, resource_date, resource_type,
	tags, file_key, file_fingerprint, last_modified, last_modified_ms, created_at, updated_at, deleted_at`

// GetResourceByExternalID returns the local record for a remote id, including
// soft-deleted rows — an update arriving for a deleted record revives it.
func (s *SQLiteStore) GetResourceByExternalID(ctx context.Context, externalID string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resourceColumns+`
		FROM resources
		WHERE external_id = ?
	`, externalID)

	res, err := scanResource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	return res, nil
}

// CreateResource inserts a new local record and assigns its local_id.
func (s *SQLiteStore) CreateResource(ctx context.Context, res *Resource) error {
	now := time.Now().UTC()
	res.LocalID = ulid.Make().String()
	res.CreatedAt = now
	res.UpdatedAt = now

	tagsJSON, err := json.Marshal(res.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (
			local_id, external_id, title, summary, resource_date, resource_type,
			tags, file_key, file_fingerprint, last_modified, last_modified_ms,
			created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, res.LocalID, res.ExternalID, res.Title, res.Summary, res.ResourceDate, res.Type,
		string(tagsJSON), res.FileKey, res.FileFingerprint, res.LastModified, res.LastModifiedMS,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// UpdateResource overwrites the mirrored fields of an existing record and
// clears any soft-delete marker. The staleness watermark always advances.
func (s *SQLiteStore) UpdateResource(ctx context.Context, res *Resource) error {
	res.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(res.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE resources
		SET title = ?, summary = ?, resource_date = ?, resource_type = ?,
		    tags = ?, file_key = ?, file_fingerprint = ?,
		    last_modified = ?, last_modified_ms = ?, updated_at = ?, deleted_at = NULL
		WHERE local_id = ?
	`, res.Title, res.Summary, res.ResourceDate, res.Type,
		string(tagsJSON), res.FileKey, res.FileFingerprint,
		res.LastModified, res.LastModifiedMS, res.UpdatedAt.Format(time.RFC3339Nano),
		res.LocalID)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	res.DeletedAt = nil
	return nil
}

// SoftDeleteResource flips the deleted status for a remote id. Returns the
// local id of the affected record, or ErrNotFound if there is no non-deleted
// record to flip.
func (s *SQLiteStore) SoftDeleteResource(ctx context.Context, externalID string) (string, error) {
	var localID string
	err := s.db.QueryRowContext(ctx, `
		SELECT local_id FROM resources
		WHERE external_id = ? AND deleted_at IS NULL
	`, externalID).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup resource for delete: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE resources SET deleted_at = ?, updated_at = ? WHERE local_id = ?
	`, now, now, localID); err != nil {
		return "", fmt.Errorf("soft delete resource: %w", err)
	}
	return localID, nil
}

// ListActiveExternalIDs returns the external ids of all non-deleted records.
// This is the local side of the stage-2 deletion diff.
func (s *SQLiteStore) ListActiveExternalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id FROM resources WHERE deleted_at IS NULL ORDER BY external_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active external ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountResources returns the number of non-deleted records.
func (s *SQLiteStore) CountResources(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM resources WHERE deleted_at IS NULL").Scan(&count)
	return count, err
}

// scanResource scans a row into a Resource, handling JSON tags and timestamps.
func scanResource(scanner interface{ Scan(...any) error }) (*Resource, error) {
	var res Resource
	var tagsJSON string
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := scanner.Scan(
		&res.LocalID,
		&res.ExternalID,
		&res.Title,
		&res.Summary,
		&res.ResourceDate,
		&res.Type,
		&tagsJSON,
		&res.FileKey,
		&res.FileFingerprint,
		&res.LastModified,
		&res.LastModifiedMS,
		&createdAt,
		&updatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &res.Tags); err != nil {
			return nil, fmt.Errorf("parse tags JSON: %w", err)
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		res.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		res.UpdatedAt = t
	}
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			res.DeletedAt = &t
		}
	}

	return &res, nil
}
