package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrGroupNotFound is returned for reads of an unknown group id.
var ErrGroupNotFound = errors.New("group not found")

// CreateGroup creates a named group and returns it.
func (s *Store) CreateGroup(ctx context.Context, name string) (*Group, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?);
		`, id, name, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return s.GetGroup(ctx, id)
}

// GetGroup returns one group by id.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM groups WHERE id = ?;
	`, groupID).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// ListGroups returns all groups, newest first, excluding deleted ones.
func (s *Store) ListGroups(ctx context.Context, includeArchived bool) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.created_at
		FROM groups g
		LEFT JOIN conversation_meta m ON m.key = 'group:' || g.id
		WHERE COALESCE(m.deleted, 0) = 0
		  AND (? OR COALESCE(m.archived, 0) = 0)
		ORDER BY g.created_at DESC;
	`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group rows: %w", err)
	}
	return out, nil
}

// RenameGroup updates a group's display name.
func (s *Store) RenameGroup(ctx context.Context, groupID, name string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE groups SET name = ? WHERE id = ?;`, name, groupID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrGroupNotFound
		}
		return nil
	})
	if errors.Is(err, ErrGroupNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		return fmt.Errorf("rename group: %w", err)
	}
	return nil
}

// AddGroupMember adds an agent to a group. Re-adding is a no-op.
func (s *Store) AddGroupMember(ctx context.Context, groupID, agentID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, agent_name, joined_at)
			VALUES (?, ?, ?);
		`, groupID, agentID, s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// RemoveGroupMember removes an agent from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, groupID, agentID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM group_members WHERE group_id = ? AND agent_name = ?;
		`, groupID, agentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// GroupMembers returns the member agent ids of a group in join order.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name FROM group_members
		WHERE group_id = ?
		ORDER BY joined_at ASC, agent_name ASC;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group member rows: %w", err)
	}
	return out, nil
}

// GroupPendingRequestIDs returns the open requests across a group's members,
// oldest first. Queue delivery to a group fans one message out to every one
// of these; pause confirmations are included, a group broadcast resumes them.
func (s *Store) GroupPendingRequestIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.request_id
		FROM cue_requests r
		JOIN group_members gm ON gm.agent_name = r.agent_id
		WHERE gm.group_id = ?
		  AND r.status = 'PENDING'
		ORDER BY r.created_at ASC, r.id ASC;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group pending: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group pending rows: %w", err)
	}
	return out, nil
}

// GroupPendingCounts returns open non-pause request counts keyed by group id.
func (s *Store) GroupPendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.group_id, COUNT(*)
		FROM cue_requests r
		JOIN group_members gm ON gm.agent_name = r.agent_id
		WHERE r.status = 'PENDING' AND r.payload_variant != 'pause'
		GROUP BY gm.group_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query group pending counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan group pending count: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group pending count rows: %w", err)
	}
	return out, nil
}
