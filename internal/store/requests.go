package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-cue/internal/bus"
)

// ErrRequestNotFound is returned by reads for an unknown request_id. Writes
// against an unknown id deliberately do NOT return it (see SendResponse).
var ErrRequestNotFound = errors.New("request not found")

// NewRequestID returns a fresh opaque request id ("req_" + 12 hex chars).
func NewRequestID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "req_" + hex.EncodeToString(buf[:])
}

// CreateRequest inserts a PENDING request and returns its request_id.
// payload is a JSON object string or empty; variant tags the payload sub-kind
// at write time (VariantPause for pause confirmations).
func (s *Store) CreateRequest(ctx context.Context, agentID, prompt, payload, variant string) (string, error) {
	requestID := NewRequestID()
	now := s.now()

	err := retryOnBusy(ctx, 5, func() error {
		var payloadValue any
		if payload != "" {
			payloadValue = payload
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cue_requests (request_id, agent_id, prompt, payload, payload_variant, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, requestID, agentID, prompt, payloadValue, variant, RequestPending, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	s.bus.Publish(bus.TopicRequestCreated, bus.RequestEvent{
		RequestID: requestID,
		AgentID:   agentID,
		Status:    string(RequestPending),
	})
	return requestID, nil
}

// GetRequest returns the request with the given request_id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, agent_id, prompt, COALESCE(payload, ''), payload_variant, status, created_at, updated_at
		FROM cue_requests
		WHERE request_id = ?;
	`, requestID)
	var req Request
	if err := row.Scan(&req.ID, &req.RequestID, &req.AgentID, &req.Prompt, &req.Payload, &req.Variant, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return &req, nil
}

// MarkRequestStatus sets a request's status. Zero rows affected (unknown id
// or unchanged state) is not an error.
func (s *Store) MarkRequestStatus(ctx context.Context, requestID string, status RequestStatus) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cue_requests SET status = ?, updated_at = ? WHERE request_id = ?;
		`, status, s.now(), requestID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark request %s: %w", status, err)
	}
	return nil
}

// LatestPendingRequestID returns the most recent PENDING request for an
// agent, or "" when the agent has nothing open.
func (s *Store) LatestPendingRequestID(ctx context.Context, agentID string) (string, error) {
	var requestID string
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id
		FROM cue_requests
		WHERE agent_id = ? AND status = 'PENDING'
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, agentID).Scan(&requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest pending request: %w", err)
	}
	return requestID, nil
}

// PendingRequests returns an agent's open requests oldest-first, excluding
// pause confirmations (those are answered by the resume button, never by the
// composer).
func (s *Store) PendingRequests(ctx context.Context, agentID string, limit int) ([]Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, agent_id, prompt, COALESCE(payload, ''), payload_variant, status, created_at, updated_at
		FROM cue_requests
		WHERE agent_id = ? AND status = 'PENDING' AND payload_variant != 'pause'
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// PendingCountByAgent counts an agent's open non-pause requests.
func (s *Store) PendingCountByAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM cue_requests
		WHERE agent_id = ? AND status = 'PENDING' AND payload_variant != 'pause';
	`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// ExpiredPendingRequestIDs returns requests that have been PENDING since
// before cutoff, oldest-first. Pause confirmations are excluded: an agent
// suspended on pause waits indefinitely for a human resume.
func (s *Store) ExpiredPendingRequestIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id
		FROM cue_requests
		WHERE status = 'PENDING'
		  AND payload_variant != 'pause'
		  AND created_at <= ?
		ORDER BY created_at ASC;
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query expired pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired pending: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired pending rows: %w", err)
	}
	return out, nil
}

// LastRequestByAgent returns an agent's most recent request of any status.
func (s *Store) LastRequestByAgent(ctx context.Context, agentID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, agent_id, prompt, COALESCE(payload, ''), payload_variant, status, created_at, updated_at
		FROM cue_requests
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, agentID)
	var req Request
	if err := row.Scan(&req.ID, &req.RequestID, &req.AgentID, &req.Prompt, &req.Payload, &req.Variant, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("last request: %w", err)
	}
	return &req, nil
}

// AllAgents lists agent ids that have ever opened a request, most recently
// active first, excluding deleted (and optionally archived) conversations.
func (s *Store) AllAgents(ctx context.Context, includeArchived bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.agent_id
		FROM cue_requests r
		LEFT JOIN conversation_meta m ON m.key = 'agent:' || r.agent_id
		WHERE r.agent_id != ''
		  AND COALESCE(m.deleted, 0) = 0
		  AND (? OR COALESCE(m.archived, 0) = 0)
		GROUP BY r.agent_id
		ORDER BY MAX(r.created_at) DESC;
	`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

func scanRequests(rows *sql.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		var req Request
		if err := rows.Scan(&req.ID, &req.RequestID, &req.AgentID, &req.Prompt, &req.Payload, &req.Variant, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request rows: %w", err)
	}
	return out, nil
}
