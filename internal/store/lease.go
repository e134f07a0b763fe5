package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-cue/internal/bus"
)

// Lease TTL bounds. Requested TTLs are clamped, never rejected.
const (
	LeaseMinTTL = time.Second
	LeaseMaxTTL = 120 * time.Second
)

// DefaultLeaseKey names the single queue-processing lease shared by all
// workers on a machine.
const DefaultLeaseKey = "cue-queue-worker"

// AcquireLease tries to take or renew a named lease for holderID. A holder
// wins when the lease is absent, expired, or already its own; renewal always
// extends to now+ttl. The read and the upsert share one transaction on the
// single-writer connection, so two holders cannot both observe an expired
// lease and both win.
//
// The lease is advisory: expiry is wall-clock soft TTL with no fencing token,
// and correctness of the queue does not depend on it (the per-item guarded
// claim does that). It only keeps redundant workers from burning ticks.
func (s *Store) AcquireLease(ctx context.Context, leaseKey, holderID string, ttl time.Duration) (*LeaseResult, error) {
	if ttl < LeaseMinTTL {
		ttl = LeaseMinTTL
	}
	if ttl > LeaseMaxTTL {
		ttl = LeaseMaxTTL
	}

	var result LeaseResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now()
		var curHolder string
		var curExpires time.Time
		err = tx.QueryRowContext(ctx, `
			SELECT holder_id, expires_at FROM worker_leases WHERE lease_key = ?;
		`, leaseKey).Scan(&curHolder, &curExpires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// free
		case err != nil:
			return fmt.Errorf("read lease: %w", err)
		default:
			if curHolder != holderID && curExpires.After(now) {
				result = LeaseResult{Acquired: false, HolderID: curHolder, ExpiresAt: curExpires.UTC()}
				return tx.Commit()
			}
		}

		expires := now.Add(ttl).UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO worker_leases (lease_key, holder_id, expires_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(lease_key) DO UPDATE SET
				holder_id = excluded.holder_id,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at;
		`, leaseKey, holderID, formatTime(expires), formatTime(now)); err != nil {
			return fmt.Errorf("upsert lease: %w", err)
		}
		result = LeaseResult{Acquired: true, HolderID: holderID, ExpiresAt: expires}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if result.Acquired {
		s.bus.Publish(bus.TopicLeaseAcquired, bus.LeaseEvent{
			LeaseKey:  leaseKey,
			HolderID:  holderID,
			ExpiresAt: result.ExpiresAt,
		})
	}
	return &result, nil
}

// ReleaseLease drops a lease if (and only if) holderID still owns it.
func (s *Store) ReleaseLease(ctx context.Context, leaseKey, holderID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM worker_leases WHERE lease_key = ? AND holder_id = ?;
		`, leaseKey, holderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
