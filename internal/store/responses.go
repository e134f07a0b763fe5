package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-cue/internal/bus"
)

// ErrResponseNotFound is returned by reads for a request with no response.
var ErrResponseNotFound = errors.New("response not found")

// responseEnvelope is the persisted shape of response_json.
type responseEnvelope struct {
	Text     string    `json:"text"`
	Mentions []Mention `json:"mentions,omitempty"`
}

// SendResponse records the human's answer for a request in one transaction:
// the response row is inserted with INSERT OR IGNORE (a racing duplicate is a
// silent no-op, so at most one answer exists), attachments are stored through
// the content-addressed file store and linked in order, and the request is
// marked COMPLETED or CANCELLED. An unknown request_id updates zero rows and
// still succeeds; the caller cannot distinguish that from a late answer to a
// cancelled request, and the console treats both the same.
func (s *Store) SendResponse(ctx context.Context, requestID string, resp UserResponse, cancelled bool) error {
	envelope := responseEnvelope{Text: resp.Text}
	if len(resp.Mentions) > 0 {
		envelope.Mentions = resp.Mentions
	}
	responseJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	now := s.now()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin send response tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cue_responses (request_id, response_json, cancelled, created_at)
			VALUES (?, ?, ?, ?);
		`, requestID, string(responseJSON), boolToInt(cancelled), now); err != nil {
			return fmt.Errorf("insert response: %w", err)
		}

		var responseID int64
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM cue_responses WHERE request_id = ?;
		`, requestID).Scan(&responseID); err != nil {
			return fmt.Errorf("read response id: %w", err)
		}

		if responseID > 0 && !cancelled {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM cue_response_files WHERE response_id = ?;
			`, responseID); err != nil {
				return fmt.Errorf("clear response files: %w", err)
			}
			for i, img := range resp.Images {
				if img.Base64Data == "" {
					continue
				}
				file, err := s.upsertFileTx(ctx, tx, img.MimeType, img.Base64Data)
				if err != nil {
					return fmt.Errorf("attach file %d: %w", i, err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO cue_response_files (response_id, file_id, idx) VALUES (?, ?, ?);
				`, responseID, file.ID, i); err != nil {
					return fmt.Errorf("link response file %d: %w", i, err)
				}
			}
		}

		status := RequestCompleted
		if cancelled {
			status = RequestCancelled
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE cue_requests SET status = ?, updated_at = ? WHERE request_id = ?;
		`, status, now, requestID)
		if err != nil {
			return fmt.Errorf("update request status: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			s.logger.Debug("send_response for unknown request", "request_id", requestID)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.bus.Publish(bus.TopicResponseCreated, bus.ResponseEvent{
		RequestID: requestID,
		Cancelled: cancelled,
	})
	return nil
}

// GetResponse returns the response for a request, with its attachments in
// positional order.
func (s *Store) GetResponse(ctx context.Context, requestID string) (*Response, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, response_json, cancelled, created_at
		FROM cue_responses
		WHERE request_id = ?;
	`, requestID)
	var resp Response
	var cancelled int
	if err := row.Scan(&resp.ID, &resp.RequestID, &resp.ResponseJSON, &cancelled, &resp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResponseNotFound
		}
		return nil, fmt.Errorf("get response: %w", err)
	}
	resp.Cancelled = cancelled == 1

	files, err := s.FilesByResponseID(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	resp.Files = files
	return &resp, nil
}

// HasResponse reports whether a response row exists for the request.
func (s *Store) HasResponse(ctx context.Context, requestID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM cue_responses WHERE request_id = ?;
	`, requestID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has response: %w", err)
	}
	return true, nil
}

// LastResponseByAgent returns the newest response across all of an agent's
// requests, or ErrResponseNotFound.
func (s *Store) LastResponseByAgent(ctx context.Context, agentID string) (*Response, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.request_id, r.response_json, r.cancelled, r.created_at
		FROM cue_responses r
		JOIN cue_requests req ON r.request_id = req.request_id
		WHERE req.agent_id = ?
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT 1;
	`, agentID)
	var resp Response
	var cancelled int
	if err := row.Scan(&resp.ID, &resp.RequestID, &resp.ResponseJSON, &cancelled, &resp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResponseNotFound
		}
		return nil, fmt.Errorf("last response: %w", err)
	}
	resp.Cancelled = cancelled == 1
	return &resp, nil
}

// ParseResponseText extracts the text field from a stored response_json.
// Malformed JSON degrades to empty text, matching the original console.
func ParseResponseText(responseJSON string) string {
	var envelope responseEnvelope
	if err := json.Unmarshal([]byte(responseJSON), &envelope); err != nil {
		return ""
	}
	return envelope.Text
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
