package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-cue/internal/bus"
	"github.com/google/uuid"
)

// QueueLockTTL is how long a processing claim is honored before another
// worker may steal the item (a crashed worker's lock simply ages out).
const QueueLockTTL = 60 * time.Second

// Enqueue appends a composed message at the tail of a conversation's queue:
// position = max(position)+1, a dense per-conversation sequence.
func (s *Store) Enqueue(ctx context.Context, convType ConversationType, convID, messageJSON string) (*QueueItem, error) {
	id := uuid.NewString()
	now := s.now()

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var maxPos int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0)
			FROM cue_message_queue
			WHERE conv_type = ? AND conv_id = ?;
		`, convType, convID).Scan(&maxPos); err != nil {
			return fmt.Errorf("read max position: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cue_message_queue
				(id, conv_type, conv_id, position, message_json, status, attempts, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?);
		`, id, convType, convID, maxPos+1, messageJSON, now, now, now); err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	item, err := s.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicQueueEnqueued, bus.QueueEvent{
		ItemID:   id,
		ConvType: string(convType),
		ConvID:   convID,
	})
	return item, nil
}

// GetQueueItem returns one queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, queueSelect+` WHERE id = ?;`, id)
	item, err := scanQueueItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue item %s not found", id)
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ListQueue returns a conversation's live items in delivery order.
func (s *Store) ListQueue(ctx context.Context, convType ConversationType, convID string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, queueSelect+`
		WHERE conv_type = ? AND conv_id = ? AND status IN ('queued', 'processing')
		ORDER BY position ASC, created_at ASC;
	`, convType, convID)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue rows: %w", err)
	}
	return out, nil
}

// ClaimDueQueueItems claims up to limit head-of-line items. The head of a
// conversation is its minimum live position, queued or processing: while the
// head is processing under an unexpired lock the conversation yields nothing,
// so at most one of its items is ever in flight. A processing head whose lock
// is older than QueueLockTTL belongs to a dead worker and is stolen. The flip
// to processing is a single guarded UPDATE, so two workers racing for one
// item cannot both win; losing the race just skips the item.
func (s *Store) ClaimDueQueueItems(ctx context.Context, workerID string, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	now := time.Now()
	nowStr := formatTime(now)
	staleLock := formatTime(now.Add(-QueueLockTTL))

	var claimed []QueueItem
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT q.id, q.locked_at
			FROM cue_message_queue q
			JOIN (
				SELECT conv_type, conv_id, MIN(position) AS min_pos
				FROM cue_message_queue
				WHERE status IN ('queued', 'processing')
				GROUP BY conv_type, conv_id
			) t ON q.conv_type = t.conv_type AND q.conv_id = t.conv_id AND q.position = t.min_pos
			WHERE (q.status = 'queued' AND q.next_run_at <= ?)
			   OR (q.status = 'processing' AND q.locked_at IS NOT NULL AND q.locked_at <= ?)
			ORDER BY q.next_run_at ASC, q.created_at ASC
			LIMIT ?;
		`, nowStr, staleLock, limit)
		if err != nil {
			return fmt.Errorf("query due items: %w", err)
		}

		type candidate struct {
			id       string
			lockedAt sql.NullTime
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.lockedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan due item: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("due item rows: %w", err)
		}

		for _, c := range candidates {
			if c.lockedAt.Valid && now.Sub(c.lockedAt.Time) <= QueueLockTTL {
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE cue_message_queue
				SET status = 'processing', locked_by = ?, locked_at = ?, updated_at = ?
				WHERE id = ?
				  AND (locked_at IS NULL OR locked_at <= ?)
				  AND status IN ('queued', 'processing');
			`, workerID, nowStr, nowStr, c.id, staleLock)
			if err != nil {
				return fmt.Errorf("claim item %s: %w", c.id, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if affected != 1 {
				continue
			}
			row := tx.QueryRowContext(ctx, queueSelect+` WHERE id = ?;`, c.id)
			item, err := scanQueueItem(row.Scan)
			if err != nil {
				return fmt.Errorf("reread claimed item: %w", err)
			}
			claimed = append(claimed, *item)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseQueueItem puts a processing item back in the queue with a new due
// time and no lock. Used when the item has no deliverable target yet.
func (s *Store) ReleaseQueueItem(ctx context.Context, id string, nextRunAt time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cue_message_queue
			SET status = 'queued', locked_by = NULL, locked_at = NULL, next_run_at = ?, updated_at = ?
			WHERE id = ?;
		`, formatTime(nextRunAt), s.now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	return nil
}

// FailQueueItem releases an item after a delivery error, recording the new
// attempt count and backoff-delayed due time.
func (s *Store) FailQueueItem(ctx context.Context, id string, attempts int, nextRunAt time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cue_message_queue
			SET status = 'queued', locked_by = NULL, locked_at = NULL,
				attempts = ?, next_run_at = ?, updated_at = ?
			WHERE id = ?;
		`, attempts, formatTime(nextRunAt), s.now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	return nil
}

// DeleteQueueItem removes an item permanently (successful delivery, or a
// human removing a queued draft).
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cue_message_queue WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return nil
}

// MoveQueueItem reorders a conversation's queue by list index, rewriting the
// dense position sequence in one transaction.
func (s *Store) MoveQueueItem(ctx context.Context, convType ConversationType, convID string, fromIndex, toIndex int) error {
	return retryOnBusy(ctx, 5, func() error {
		items, err := s.ListQueue(ctx, convType, convID)
		if err != nil {
			return err
		}
		if fromIndex < 0 || toIndex < 0 || fromIndex >= len(items) || toIndex >= len(items) || fromIndex == toIndex {
			return nil
		}
		next := make([]QueueItem, 0, len(items))
		next = append(next, items[:fromIndex]...)
		next = append(next, items[fromIndex+1:]...)
		moved := items[fromIndex]
		next = append(next[:toIndex], append([]QueueItem{moved}, next[toIndex:]...)...)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin move tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		// Two-pass renumber: shift out of the unique (conv, position) range
		// first, then assign the final dense sequence.
		for i, item := range next {
			if _, err := tx.ExecContext(ctx, `
				UPDATE cue_message_queue SET position = ?, updated_at = ?
				WHERE id = ? AND conv_type = ? AND conv_id = ?;
			`, -(int64(i) + 1), now, item.ID, convType, convID); err != nil {
				return fmt.Errorf("stage position: %w", err)
			}
		}
		for i, item := range next {
			if _, err := tx.ExecContext(ctx, `
				UPDATE cue_message_queue SET position = ?, updated_at = ?
				WHERE id = ? AND conv_type = ? AND conv_id = ?;
			`, int64(i)+1, now, item.ID, convType, convID); err != nil {
				return fmt.Errorf("assign position: %w", err)
			}
		}
		return tx.Commit()
	})
}

const queueSelect = `
	SELECT id, conv_type, conv_id, position, message_json, status, attempts,
		next_run_at, COALESCE(locked_by, ''), locked_at, created_at, updated_at
	FROM cue_message_queue`

func scanQueueItem(scan func(dest ...any) error) (*QueueItem, error) {
	var item QueueItem
	var lockedAt sql.NullTime
	if err := scan(
		&item.ID,
		&item.ConvType,
		&item.ConvID,
		&item.Position,
		&item.MessageJSON,
		&item.Status,
		&item.Attempts,
		&item.NextRunAt,
		&item.LockedBy,
		&lockedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		item.LockedAt = &t
	}
	return &item, nil
}
