package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// metaKey builds the conversation_meta primary key, e.g. "agent:fox".
func metaKey(convType ConversationType, convID string) string {
	return string(convType) + ":" + convID
}

// SetConversationArchived flags or unflags a conversation as archived.
func (s *Store) SetConversationArchived(ctx context.Context, convType ConversationType, convID string, archived bool) error {
	var archivedAt any
	if archived {
		archivedAt = s.now()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_meta (key, type, id, archived, archived_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				archived = excluded.archived,
				archived_at = excluded.archived_at;
		`, metaKey(convType, convID), convType, convID, boolToInt(archived), archivedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	return nil
}

// SetConversationDeleted soft-deletes a conversation. History rows stay in
// place; list queries simply stop returning the conversation.
func (s *Store) SetConversationDeleted(ctx context.Context, convType ConversationType, convID string, deleted bool) error {
	var deletedAt any
	if deleted {
		deletedAt = s.now()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_meta (key, type, id, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				deleted = excluded.deleted,
				deleted_at = excluded.deleted_at;
		`, metaKey(convType, convID), convType, convID, boolToInt(deleted), deletedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("set deleted: %w", err)
	}
	return nil
}

// ConversationMetaFor returns the presentation flags for a conversation, or
// zero-value meta when none are stored.
func (s *Store) ConversationMetaFor(ctx context.Context, convType ConversationType, convID string) (*ConversationMeta, error) {
	meta := &ConversationMeta{
		Key:  metaKey(convType, convID),
		Type: convType,
		ID:   convID,
	}
	var archived, deleted int
	var archivedAt, deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT archived, archived_at, deleted, deleted_at
		FROM conversation_meta WHERE key = ?;
	`, meta.Key).Scan(&archived, &archivedAt, &deleted, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation meta: %w", err)
	}
	meta.Archived = archived == 1
	meta.Deleted = deleted == 1
	if archivedAt.Valid {
		t := archivedAt.Time
		meta.ArchivedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		meta.DeletedAt = &t
	}
	return meta, nil
}

// PinConversation pins a conversation in a console view. Repinning moves it
// to the end of the pin order.
func (s *Store) PinConversation(ctx context.Context, convType ConversationType, convID, view string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_pins WHERE conv_type = ? AND conv_id = ? AND view = ?;
		`, convType, convID, view); err != nil {
			return fmt.Errorf("clear pin: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_pins (conv_type, conv_id, view, pinned_at)
			VALUES (?, ?, ?, ?);
		`, convType, convID, view, s.now()); err != nil {
			return fmt.Errorf("insert pin: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("pin conversation: %w", err)
	}
	return nil
}

// UnpinConversation removes a pin.
func (s *Store) UnpinConversation(ctx context.Context, convType ConversationType, convID, view string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM conversation_pins WHERE conv_type = ? AND conv_id = ? AND view = ?;
		`, convType, convID, view)
		return err
	})
	if err != nil {
		return fmt.Errorf("unpin conversation: %w", err)
	}
	return nil
}

// PinnedConversations returns a view's pinned conversation ids in pin order.
func (s *Store) PinnedConversations(ctx context.Context, view string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_type || ':' || conv_id
		FROM conversation_pins
		WHERE view = ?
		ORDER BY pin_order ASC;
	`, view)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pin rows: %w", err)
	}
	return out, nil
}

// SetBotEnabled records whether auto-reply is enabled for a conversation.
func (s *Store) SetBotEnabled(ctx context.Context, convType ConversationType, convID string, enabled bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bot_enabled_conversations (conv_type, conv_id, enabled, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conv_type, conv_id) DO UPDATE SET
				enabled = excluded.enabled,
				updated_at = excluded.updated_at;
		`, convType, convID, boolToInt(enabled), s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("set bot enabled: %w", err)
	}
	return nil
}

// BotEnabled reports whether auto-reply is on for a conversation. Defaults
// to false when no row exists.
func (s *Store) BotEnabled(ctx context.Context, convType ConversationType, convID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled FROM bot_enabled_conversations
		WHERE conv_type = ? AND conv_id = ?;
	`, convType, convID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get bot enabled: %w", err)
	}
	return enabled == 1, nil
}
