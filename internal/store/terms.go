package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Taxonomy names. The resource type is single-valued; tags are multi-valued
// and governed by the remote allow-list.
const (
	TaxonomyResourceType = "resource_type"
	TaxonomyUniversalTag = "universal_tag"
)

// EnsureTerm inserts the term if missing and returns its id either way.
func (s *SQLiteStore) EnsureTerm(ctx context.Context, taxonomy, name string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO terms (taxonomy, name) VALUES (?, ?)
	`, taxonomy, name); err != nil {
		return 0, fmt.Errorf("ensure term: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT id FROM terms WHERE taxonomy = ? AND name = ?
	`, taxonomy, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup term: %w", err)
	}
	return id, nil
}

// SeedTerms inserts the default resource type terms once; re-running is a no-op.
func (s *SQLiteStore) SeedTerms(ctx context.Context, taxonomy string, names []string) error {
	for _, name := range names {
		if _, err := s.EnsureTerm(ctx, taxonomy, name); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTagAllowlist atomically swaps the approved tag set.
func (s *SQLiteStore) ReplaceTagAllowlist(ctx context.Context, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tag_allowlist"); err != nil {
		return fmt.Errorf("clear tag allowlist: %w", err)
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO tag_allowlist (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("insert allowlist tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if err := s.SetSyncMeta(ctx, MetaAllowlistSyncedAt,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return nil
}

// TagAllowed reports whether a tag name is on the allow-list.
func (s *SQLiteStore) TagAllowed(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM tag_allowlist WHERE name = ?", name).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check tag allowlist: %w", err)
}

// CountAllowlist returns the number of approved tags.
func (s *SQLiteStore) CountAllowlist(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tag_allowlist").Scan(&count)
	return count, err
}
