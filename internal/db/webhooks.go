package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const webhookColumns = `
	id, name, url, secret, events, channel_kind, enabled, is_verified,
	retry_count, timeout_ms, last_used, created_at, updated_at
`

func scanWebhook(row pgx.Row) (*WebhookSubscription, error) {
	var s WebhookSubscription
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.URL,
		&s.Secret,
		&s.Events,
		&s.ChannelKind,
		&s.Enabled,
		&s.IsVerified,
		&s.RetryCount,
		&s.TimeoutMS,
		&s.LastUsed,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectWebhooks(rows pgx.Rows) ([]*WebhookSubscription, error) {
	defer rows.Close()
	var out []*WebhookSubscription
	for rows.Next() {
		s, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateWebhook persists a new subscription
func (r *Repository) CreateWebhook(ctx context.Context, s *WebhookSubscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_subscriptions (
			id, name, url, secret, events, channel_kind, enabled,
			is_verified, retry_count, timeout_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.Name,
		s.URL,
		s.Secret,
		s.Events,
		s.ChannelKind,
		s.Enabled,
		s.IsVerified,
		s.RetryCount,
		s.TimeoutMS,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create webhook",
			zap.Error(err),
			zap.String("webhook_id", s.ID.String()),
		)
		return wrap("insert webhook", err)
	}

	r.logger.Info("webhook created",
		zap.String("webhook_id", s.ID.String()),
		zap.String("name", s.Name),
		zap.String("channel_kind", s.ChannelKind),
		zap.Strings("events", s.Events),
	)
	return nil
}

// GetWebhook retrieves a subscription by ID
func (r *Repository) GetWebhook(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE id = $1`
	s, err := scanWebhook(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrap("query webhook", err)
	}
	return s, nil
}

// ListWebhooks returns all subscriptions, newest first
func (r *Repository) ListWebhooks(ctx context.Context) ([]*WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions ORDER BY created_at DESC`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, wrap("query webhooks", err)
	}
	subs, err := collectWebhooks(rows)
	if err != nil {
		return nil, wrap("scan webhooks", err)
	}
	return subs, nil
}

// ListWebhooksForEvent returns enabled subscriptions of the given kind that
// subscribe to eventType.
func (r *Repository) ListWebhooksForEvent(ctx context.Context, eventType, kind string) ([]*WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + `
		FROM webhook_subscriptions
		WHERE enabled = TRUE AND channel_kind = $2 AND $1 = ANY(events)
		ORDER BY created_at ASC`
	rows, err := r.db.Pool().Query(ctx, query, eventType, kind)
	if err != nil {
		return nil, wrap("query webhooks for event", err)
	}
	subs, err := collectWebhooks(rows)
	if err != nil {
		return nil, wrap("scan webhooks", err)
	}
	return subs, nil
}

// UpdateWebhook writes the mutable fields of a subscription
func (r *Repository) UpdateWebhook(ctx context.Context, s *WebhookSubscription) error {
	query := `
		UPDATE webhook_subscriptions
		SET name = $2, url = $3, secret = $4, events = $5, channel_kind = $6,
		    enabled = $7, is_verified = $8, retry_count = $9, timeout_ms = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.Name,
		s.URL,
		s.Secret,
		s.Events,
		s.ChannelKind,
		s.Enabled,
		s.IsVerified,
		s.RetryCount,
		s.TimeoutMS,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return wrap("update webhook", err)
	}
	return nil
}

// MarkWebhookUsed stamps last_used and flips is_verified on success.
func (r *Repository) MarkWebhookUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE webhook_subscriptions
		SET last_used = $2, is_verified = TRUE, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return wrap("mark webhook used", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("mark webhook used", pgx.ErrNoRows)
	}
	return nil
}

// DeleteWebhook removes a subscription and, by cascade, its deliveries
func (r *Repository) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return wrap("delete webhook", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("delete webhook", pgx.ErrNoRows)
	}
	r.logger.Info("webhook deleted", zap.String("webhook_id", id.String()))
	return nil
}

const webhookDeliveryColumns = `
	id, webhook_id, notification_id, event_type, status, attempts,
	response_code, response_body, error_message, sent_at, delivered_at,
	next_retry_at, created_at, updated_at
`

func scanWebhookDelivery(row pgx.Row) (*WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(
		&d.ID,
		&d.WebhookID,
		&d.NotificationID,
		&d.EventType,
		&d.Status,
		&d.Attempts,
		&d.ResponseCode,
		&d.ResponseBody,
		&d.ErrorMessage,
		&d.SentAt,
		&d.DeliveredAt,
		&d.NextRetryAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectWebhookDeliveries(rows pgx.Rows) ([]*WebhookDelivery, error) {
	defer rows.Close()
	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateWebhookDelivery inserts a new delivery lineage
func (r *Repository) CreateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_deliveries (
			id, webhook_id, notification_id, event_type, status, attempts, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.WebhookID,
		d.NotificationID,
		d.EventType,
		d.Status,
		d.Attempts,
		d.NextRetryAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create webhook delivery",
			zap.Error(err),
			zap.String("webhook_id", d.WebhookID.String()),
		)
		return wrap("insert webhook delivery", err)
	}
	return nil
}

// UpdateWebhookDelivery persists the outcome of an attempt. The write only
// lands while the row is still open and its attempt count is prevAttempts;
// otherwise ErrStale is returned and the stored row is left alone.
func (r *Repository) UpdateWebhookDelivery(ctx context.Context, d *WebhookDelivery, prevAttempts int) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, response_code = $4, response_body = $5,
		    error_message = $6, sent_at = $7, delivered_at = $8, next_retry_at = $9,
		    updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('success', 'failed')
		  AND attempts = $10
		RETURNING updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.Status,
		d.Attempts,
		d.ResponseCode,
		d.ResponseBody,
		d.ErrorMessage,
		d.SentAt,
		d.DeliveredAt,
		d.NextRetryAt,
		prevAttempts,
	).Scan(&d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update webhook delivery %s: %w", d.ID, ErrStale)
	}
	if err != nil {
		r.logger.Error("failed to update webhook delivery",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return wrap("update webhook delivery", err)
	}
	return nil
}

// ClaimWebhookDelivery leases a due row until leaseUntil by pushing its
// next_retry_at forward. It reports false when another worker got there
// first or the row is no longer due.
func (r *Repository) ClaimWebhookDelivery(ctx context.Context, d *WebhookDelivery, now, leaseUntil time.Time) (bool, error) {
	query := `
		UPDATE webhook_deliveries
		SET next_retry_at = $3, updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'retry')
		  AND attempts = $2
		  AND (next_retry_at IS NULL OR next_retry_at <= $4)
	`
	tag, err := r.db.Pool().Exec(ctx, query, d.ID, d.Attempts, leaseUntil, now)
	if err != nil {
		return false, wrap("claim webhook delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	d.NextRetryAt = &leaseUntil
	return true, nil
}

// ListDueWebhookDeliveries selects pending or retry rows whose retry time has come
func (r *Repository) ListDueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	query := `SELECT ` + webhookDeliveryColumns + `
		FROM webhook_deliveries
		WHERE status IN ('pending', 'retry')
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, wrap("query due webhook deliveries", err)
	}
	out, err := collectWebhookDeliveries(rows)
	if err != nil {
		return nil, wrap("scan webhook deliveries", err)
	}
	return out, nil
}

// ListWebhookDeliveries returns the most recent deliveries for a subscription
func (r *Repository) ListWebhookDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*WebhookDelivery, error) {
	query := `SELECT ` + webhookDeliveryColumns + `
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.Pool().Query(ctx, query, webhookID, limit)
	if err != nil {
		return nil, wrap("query webhook deliveries", err)
	}
	out, err := collectWebhookDeliveries(rows)
	if err != nil {
		return nil, wrap("scan webhook deliveries", err)
	}
	return out, nil
}
