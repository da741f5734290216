package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const scheduledColumns = `
	id, payload, scheduled_at, priority, attempts, max_attempts, status,
	last_error, notification_id, created_at, updated_at
`

func scanScheduled(row pgx.Row) (*ScheduledNotification, error) {
	var s ScheduledNotification
	err := row.Scan(
		&s.ID,
		&s.Payload,
		&s.ScheduledAt,
		&s.Priority,
		&s.Attempts,
		&s.MaxAttempts,
		&s.Status,
		&s.LastError,
		&s.NotificationID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateScheduled persists a dispatch request for later firing
func (r *Repository) CreateScheduled(ctx context.Context, s *ScheduledNotification) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = ScheduledPending
	}

	query := `
		INSERT INTO scheduled_notifications (
			id, payload, scheduled_at, priority, attempts, max_attempts, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.Payload,
		s.ScheduledAt,
		s.Priority,
		s.Attempts,
		s.MaxAttempts,
		s.Status,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create scheduled notification",
			zap.Error(err),
			zap.String("scheduled_id", s.ID.String()),
		)
		return wrap("insert scheduled notification", err)
	}

	r.logger.Info("notification scheduled",
		zap.String("scheduled_id", s.ID.String()),
		zap.Time("scheduled_at", s.ScheduledAt),
		zap.Int("priority", s.Priority),
	)
	return nil
}

// GetScheduled retrieves a scheduled notification by ID
func (r *Repository) GetScheduled(ctx context.Context, id uuid.UUID) (*ScheduledNotification, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_notifications WHERE id = $1`
	s, err := scanScheduled(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrap("query scheduled notification", err)
	}
	return s, nil
}

// ClaimDueScheduled moves up to limit due rows to processing and returns
// them. Rows locked by a concurrent claimer are skipped.
func (r *Repository) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*ScheduledNotification, error) {
	query := `
		UPDATE scheduled_notifications
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_notifications
			WHERE status = 'scheduled' AND scheduled_at <= $1
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + scheduledColumns

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, wrap("claim scheduled notifications", err)
	}
	defer rows.Close()

	var out []*ScheduledNotification
	for rows.Next() {
		s, err := scanScheduled(rows)
		if err != nil {
			return nil, wrap("scan scheduled notification", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate scheduled notifications", err)
	}
	return out, nil
}

// UpdateScheduled writes status, attempts, timing and outcome fields
func (r *Repository) UpdateScheduled(ctx context.Context, s *ScheduledNotification) error {
	query := `
		UPDATE scheduled_notifications
		SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5,
		    notification_id = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.Status,
		s.Attempts,
		s.ScheduledAt,
		s.LastError,
		s.NotificationID,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return wrap("update scheduled notification", err)
	}
	return nil
}

// CancelScheduled cancels a row that has not fired yet. Returns ErrNotFound
// if no such row is still in the scheduled state.
func (r *Repository) CancelScheduled(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE scheduled_notifications
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return wrap("cancel scheduled notification", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("cancel scheduled notification", pgx.ErrNoRows)
	}
	r.logger.Info("scheduled notification cancelled", zap.String("scheduled_id", id.String()))
	return nil
}

// RequeueStuckScheduled returns rows left in processing longer than staleAfter
// to the scheduled state, e.g. after a crash mid-dispatch.
func (r *Repository) RequeueStuckScheduled(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE scheduled_notifications
		SET status = 'scheduled', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < NOW() - make_interval(secs => $1)
	`, staleAfter.Seconds())
	if err != nil {
		return 0, wrap("requeue stuck scheduled notifications", err)
	}
	return tag.RowsAffected(), nil
}
