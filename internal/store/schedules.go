package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrScheduleNotFound is returned for reads of an unknown schedule id.
var ErrScheduleNotFound = errors.New("schedule not found")

// CreateSchedule stores a cron-fired auto-enqueue. nextRunAt is the first
// fire time computed by the caller from the cron expression.
func (s *Store) CreateSchedule(ctx context.Context, convType ConversationType, convID, cronExpr, messageJSON string, nextRunAt time.Time) (*Schedule, error) {
	id := uuid.NewString()
	now := s.now()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, conv_type, conv_id, cron_expr, message_json, enabled, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?);
		`, id, convType, convID, cronExpr, messageJSON, formatTime(nextRunAt), now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return s.GetSchedule(ctx, id)
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?;`, id)
	sched, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns a conversation's schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context, convType ConversationType, convID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+`
		WHERE conv_type = ? AND conv_id = ?
		ORDER BY created_at DESC;
	`, convType, convID)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun records a fire and advances the next fire time.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRunAt time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = ?
			WHERE id = ?;
		`, formatTime(ranAt), formatTime(nextRunAt), s.now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule. Re-enabling keeps the stored
// next_run_at; the scheduler recomputes it on its next pass if stale.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?;
		`, boolToInt(enabled), s.now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule permanently.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

const scheduleSelect = `
	SELECT id, conv_type, conv_id, cron_expr, message_json, enabled,
		next_run_at, last_run_at, created_at, updated_at
	FROM schedules`

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	var sched Schedule
	var enabled int
	var nextRun, lastRun sql.NullTime
	if err := scan(
		&sched.ID,
		&sched.ConvType,
		&sched.ConvID,
		&sched.CronExpr,
		&sched.MessageJSON,
		&enabled,
		&nextRun,
		&lastRun,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sched.Enabled = enabled == 1
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	return &sched, nil
}
