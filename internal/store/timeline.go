package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// parseStoredTime reads a TEXT timestamp back in the layout the store writes.
func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// timelineRow is the flattened UNION shape scanned for both sides.
type timelineRow struct {
	itemType     string
	eventTime    string
	reqPK        int64
	requestID    string
	agentID      string
	prompt       string
	payload      string
	variant      string
	status       string
	createdAt    string
	respID       int64
	responseJSON string
	cancelled    int
}

// AgentTimeline returns one page of an agent's merged request/response
// history, newest first. before is an opaque cursor from a previous page
// (empty for the first page); items strictly older than it are returned.
// Keyset pagination over the event time keeps deep history cheap and stable
// under concurrent inserts.
func (s *Store) AgentTimeline(ctx context.Context, agentID, before string, limit int) (*TimelinePage, error) {
	return s.timeline(ctx, []string{agentID}, before, limit)
}

// GroupTimeline merges the histories of all member agents of a group into a
// single page, same cursor semantics as AgentTimeline.
func (s *Store) GroupTimeline(ctx context.Context, groupID, before string, limit int) (*TimelinePage, error) {
	members, err := s.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return &TimelinePage{}, nil
	}
	return s.timeline(ctx, members, before, limit)
}

func (s *Store) timeline(ctx context.Context, agentIDs []string, before string, limit int) (*TimelinePage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(agentIDs)), ",")
	agentArgs := make([]any, len(agentIDs))
	for i, id := range agentIDs {
		agentArgs[i] = id
	}

	var beforeArg any
	if before != "" {
		beforeArg = before
	}

	// Both sides of the UNION carry the request columns so the scan loop is
	// uniform; response rows additionally carry their own row. Time columns
	// pass through strftime so they scan as TEXT in the stored layout and the
	// cursor stays a plain lexicographic keyset.
	query := `
		SELECT * FROM (
			SELECT 'request' AS item_type,
				strftime('%Y-%m-%d %H:%M:%f', req.created_at) AS event_time,
				req.id, req.request_id, req.agent_id, req.prompt,
				COALESCE(req.payload, ''), req.payload_variant, req.status,
				strftime('%Y-%m-%d %H:%M:%f', req.created_at) AS req_created_at,
				0 AS resp_id, '' AS response_json, 0 AS cancelled
			FROM cue_requests req
			WHERE req.agent_id IN (` + placeholders + `)
			UNION ALL
			SELECT 'response' AS item_type,
				strftime('%Y-%m-%d %H:%M:%f', resp.created_at) AS event_time,
				req.id, req.request_id, req.agent_id, req.prompt,
				COALESCE(req.payload, ''), req.payload_variant, req.status,
				strftime('%Y-%m-%d %H:%M:%f', req.created_at) AS req_created_at,
				resp.id AS resp_id, resp.response_json, resp.cancelled
			FROM cue_responses resp
			JOIN cue_requests req ON req.request_id = resp.request_id
			WHERE req.agent_id IN (` + placeholders + `)
		)
		WHERE (? IS NULL OR event_time < ?)
		ORDER BY event_time DESC
		LIMIT ?;`

	args := make([]any, 0, 2*len(agentArgs)+3)
	args = append(args, agentArgs...)
	args = append(args, agentArgs...)
	args = append(args, beforeArg, beforeArg, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	page := &TimelinePage{}
	for rows.Next() {
		var r timelineRow
		if err := rows.Scan(
			&r.itemType, &r.eventTime,
			&r.reqPK, &r.requestID, &r.agentID, &r.prompt,
			&r.payload, &r.variant, &r.status, &r.createdAt,
			&r.respID, &r.responseJSON, &r.cancelled,
		); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}

		item := TimelineItem{
			Type:      TimelineItemType(r.itemType),
			Time:      r.eventTime,
			RequestID: r.requestID,
		}
		switch item.Type {
		case TimelineRequest:
			createdAt, err := parseStoredTime(r.createdAt)
			if err != nil {
				return nil, err
			}
			item.Request = &Request{
				ID:        r.reqPK,
				RequestID: r.requestID,
				AgentID:   r.agentID,
				Prompt:    r.prompt,
				Payload:   r.payload,
				Variant:   r.variant,
				Status:    RequestStatus(r.status),
				CreatedAt: createdAt,
				UpdatedAt: createdAt,
			}
		case TimelineResponse:
			respCreated, err := parseStoredTime(r.eventTime)
			if err != nil {
				return nil, err
			}
			resp := &Response{
				ID:           r.respID,
				RequestID:    r.requestID,
				ResponseJSON: r.responseJSON,
				Cancelled:    r.cancelled == 1,
				CreatedAt:    respCreated,
			}
			item.Response = resp
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline rows: %w", err)
	}

	// Attach files after the scan so the result set is closed before new
	// queries run on the shared connection.
	for i := range page.Items {
		resp := page.Items[i].Response
		if resp == nil || resp.ID <= 0 {
			continue
		}
		files, err := s.FilesByResponseID(ctx, resp.ID)
		if err != nil {
			return nil, err
		}
		resp.Files = files
	}

	if len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].Time
	}
	return page, nil
}
