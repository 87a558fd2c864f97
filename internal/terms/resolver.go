// Package terms maps human-readable category names to local terms and
// enforces the remotely governed tag allow-list.
package terms

import (
	"context"
	"fmt"

	"github.com/fpmdigital/resourcesync/internal/store"
)

// DefaultResourceTypes are seeded on first start so the single-valued type
// taxonomy is usable before any sync has run.
var DefaultResourceTypes = []string{"Report", "Statement", "Guide", "Liturgical", "Toolkit"}

// TermStore is the persistence surface the resolver needs.
// Implemented by store.SQLiteStore.
type TermStore interface {
	EnsureTerm(ctx context.Context, taxonomy, name string) (int64, error)
	SeedTerms(ctx context.Context, taxonomy string, names []string) error
	TagAllowed(ctx context.Context, name string) (bool, error)
}

// Resolver implements the engine.TermResolver contract.
type Resolver struct {
	store TermStore
}

// NewResolver creates a resolver over the given term store.
func NewResolver(s TermStore) *Resolver {
	return &Resolver{store: s}
}

// SeedDefaults inserts the default resource type terms; re-running is a no-op.
func (r *Resolver) SeedDefaults(ctx context.Context) error {
	return r.store.SeedTerms(ctx, store.TaxonomyResourceType, DefaultResourceTypes)
}

// ResolveType ensures the type term exists and returns its canonical name.
// Types are not allow-list governed; the taxonomy is seeded and additive.
func (r *Resolver) ResolveType(ctx context.Context, name string) (string, error) {
	if _, err := r.store.EnsureTerm(ctx, store.TaxonomyResourceType, name); err != nil {
		return "", fmt.Errorf("ensure type term: %w", err)
	}
	return name, nil
}

// FilterTags splits names into allow-listed survivors and rejects. A name
// failing the check is dropped, never silently accepted; the caller logs it.
func (r *Resolver) FilterTags(ctx context.Context, names []string) (allowed, rejected []string, err error) {
	allowed = make([]string, 0, len(names))
	for _, name := range names {
		ok, err := r.store.TagAllowed(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("check tag %q: %w", name, err)
		}
		if !ok {
			rejected = append(rejected, name)
			continue
		}
		if _, err := r.store.EnsureTerm(ctx, store.TaxonomyUniversalTag, name); err != nil {
			return nil, nil, fmt.Errorf("ensure tag term: %w", err)
		}
		allowed = append(allowed, name)
	}
	return allowed, rejected, nil
}
