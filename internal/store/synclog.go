package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

const insertSyncLogSQL = `
	INSERT INTO sync_log (ts, source, external_id, last_modified, action, local_id,
		fingerprint, status, attempts, duration_ms, error_code, message, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendSyncLog appends one terminal outcome row. Returns the assigned id.
func (s *SQLiteStore) AppendSyncLog(ctx context.Context, e *syncpkg.LogEntry) (int64, error) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, insertSyncLogSQL,
		e.TS.Format(time.RFC3339Nano), string(e.Source), e.ExternalID, e.LastModified,
		string(e.Action), nullableString(e.LocalID), e.Fingerprint, string(e.Status),
		e.Attempts, e.DurationMS, e.ErrorCode, e.Message, nullablePayload(e.Payload))
	if err != nil {
		return 0, fmt.Errorf("append sync log: %w", err)
	}
	return result.LastInsertId()
}

// SyncLogFilter narrows QuerySyncLog results. Zero values mean "no filter".
type SyncLogFilter struct {
	Status string
	Source string
	Search string // free-text match over external_id and message
	SortBy string // validated by the caller against the export allow-list
	Limit  int
	Offset int
}

// syncLogSortColumns is the allow-list of sortable columns. Anything else
// falls back to id to keep user input out of the ORDER BY clause.
var syncLogSortColumns = map[string]bool{
	"id": true, "ts": true, "source": true, "external_id": true,
	"action": true, "status": true, "duration_ms": true,
}

// SortableSyncLogColumn reports whether the column may be used for sorting.
func SortableSyncLogColumn(col string) bool {
	return syncLogSortColumns[col]
}

// QuerySyncLog returns matching rows (newest first unless sorted otherwise)
// and the total match count for pagination.
func (s *SQLiteStore) QuerySyncLog(ctx context.Context, f SyncLogFilter) ([]syncpkg.LogEntry, int64, error) {
	where, args := buildSyncLogWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sync log: %w", err)
	}

	sortCol := "id"
	if syncLogSortColumns[f.SortBy] {
		sortCol = f.SortBy
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT id, ts, source, external_id, last_modified, action, local_id,
		       fingerprint, status, attempts, duration_ms, error_code, message, payload
		FROM sync_log%s
		ORDER BY %s DESC
		LIMIT ? OFFSET ?`, where, sortCol)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	entries := make([]syncpkg.LogEntry, 0)
	for rows.Next() {
		e, err := scanSyncLogEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan sync log entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// GetSyncLogEntry returns one row by id.
func (s *SQLiteStore) GetSyncLogEntry(ctx context.Context, id int64) (*syncpkg.LogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, source, external_id, last_modified, action, local_id,
		       fingerprint, status, attempts, duration_ms, error_code, message, payload
		FROM sync_log WHERE id = ?`, id)

	e, err := scanSyncLogEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan sync log entry: %w", err)
	}
	return e, nil
}

// PurgeSyncLogBefore deletes rows older than the cutoff. Returns rows removed.
func (s *SQLiteStore) PurgeSyncLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sync_log WHERE ts < ?", cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge sync log: %w", err)
	}
	return result.RowsAffected()
}

func buildSyncLogWhere(f SyncLogFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.Search != "" {
		clauses = append(clauses, "(external_id LIKE ? OR message LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func scanSyncLogEntry(scanner interface{ Scan(...any) error }) (*syncpkg.LogEntry, error) {
	var e syncpkg.LogEntry
	var ts string
	var source, action, status string
	var localID, payload sql.NullString

	err := scanner.Scan(&e.ID, &ts, &source, &e.ExternalID, &e.LastModified, &action,
		&localID, &e.Fingerprint, &status, &e.Attempts, &e.DurationMS,
		&e.ErrorCode, &e.Message, &payload)
	if err != nil {
		return nil, err
	}

	e.Source = syncpkg.Source(source)
	e.Action = syncpkg.Action(action)
	e.Status = syncpkg.Status(status)
	if localID.Valid {
		e.LocalID = localID.String
	}
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	var parseErr error
	if e.TS, parseErr = time.Parse(time.RFC3339Nano, ts); parseErr != nil {
		slog.Warn("sync_log: failed to parse ts", "value", ts, "error", parseErr)
	}
	return &e, nil
}

// nullableString converts an empty string to NULL for nullable columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullablePayload converts an empty payload to NULL, string otherwise.
func nullablePayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
