package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// The lock table and replay guard share the same shape: a keyed row with an
// expiry. Both are best-effort across processes; every consumer is idempotent,
// so a lost race converges to the same end state.

// AcquireRecordLock attempts to take the per-record lock for the given key.
// Returns false without error when the lock is currently held. An expired row
// is claimed in place rather than waiting for a sweep.
func (s *SQLiteStore) AcquireRecordLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO record_locks (lock_key, held_until) VALUES (?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET held_until = excluded.held_until
		WHERE record_locks.held_until < ?
	`, key, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("acquire record lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected == 1, nil
}

// ReleaseRecordLock drops the lock regardless of expiry.
func (s *SQLiteStore) ReleaseRecordLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM record_locks WHERE lock_key = ?", key); err != nil {
		return fmt.Errorf("release record lock: %w", err)
	}
	return nil
}

// CheckAndMarkReplay is the replay guard: it hashes the raw signature bytes
// and atomically tests-and-sets the entry. Returns true when the request is
// new (admit), false when the same signature was already seen inside the TTL.
func (s *SQLiteStore) CheckAndMarkReplay(ctx context.Context, signature []byte, ttl time.Duration) (bool, error) {
	sum := sha256.Sum256(signature)
	key := hex.EncodeToString(sum[:])

	now := time.Now().UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_guard (sig_hash, seen_until) VALUES (?, ?)
		ON CONFLICT(sig_hash) DO UPDATE SET seen_until = excluded.seen_until
		WHERE replay_guard.seen_until < ?
	`, key, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("mark replay guard: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected == 1, nil
}

// SweepExpiredGuards removes expired lock and replay rows. The conditional
// upserts above do not depend on this; it only keeps the tables small.
func (s *SQLiteStore) SweepExpiredGuards(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	var total int64
	for _, q := range []string{
		"DELETE FROM record_locks WHERE held_until < ?",
		"DELETE FROM replay_guard WHERE seen_until < ?",
	} {
		result, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("sweep expired guards: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("get rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}
