package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the notification engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification row
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}
	if notif.Metadata == nil {
		notif.Metadata = map[string]any{}
	}

	query := `
		INSERT INTO notifications (
			id, type, title, message, severity, metadata,
			plant_id, sensor_id, room_id, user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.Type,
		notif.Title,
		notif.Message,
		notif.Severity,
		notif.Metadata,
		notif.PlantID,
		notif.SensorID,
		notif.RoomID,
		notif.UserID,
	).Scan(&notif.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return wrap("insert notification", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", notif.Type),
		zap.String("severity", notif.Severity),
	)
	return nil
}

const notificationColumns = `
	id, type, title, message, severity, metadata,
	plant_id, sensor_id, room_id, user_id,
	acknowledged, acknowledged_at, created_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.Severity,
		&n.Metadata,
		&n.PlantID,
		&n.SensorID,
		&n.RoomID,
		&n.UserID,
		&n.Acknowledged,
		&n.AcknowledgedAt,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if err != pgx.ErrNoRows {
			r.logger.Error("failed to get notification",
				zap.Error(err),
				zap.String("notification_id", id.String()),
			)
		}
		return nil, wrap("query notification", err)
	}
	return notif, nil
}

// AcknowledgeNotification marks a notification acknowledged. Acknowledging
// twice keeps the first timestamp.
func (r *Repository) AcknowledgeNotification(ctx context.Context, id uuid.UUID, at time.Time) (*Notification, error) {
	query := `
		UPDATE notifications
		SET acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, $2)
		WHERE id = $1
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, at))
	if err != nil {
		return nil, wrap("acknowledge notification", err)
	}
	return notif, nil
}

// CreateNotificationDelivery records one channel attempt
func (r *Repository) CreateNotificationDelivery(ctx context.Context, d *NotificationDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_deliveries (
			id, notification_id, channel, status, provider,
			message_id, error_message, sent_at, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		d.ID,
		d.NotificationID,
		d.Channel,
		d.Status,
		d.Provider,
		d.MessageID,
		d.ErrorMessage,
		d.SentAt,
		d.DeliveredAt,
	)
	if err != nil {
		r.logger.Error("failed to record notification delivery",
			zap.Error(err),
			zap.String("notification_id", d.NotificationID.String()),
			zap.String("channel", d.Channel),
		)
		return wrap("insert notification delivery", err)
	}
	return nil
}

// ListNotificationDeliveries returns every channel attempt for a notification
func (r *Repository) ListNotificationDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*NotificationDelivery, error) {
	query := `
		SELECT id, notification_id, channel, status, provider,
		       message_id, error_message, sent_at, delivered_at
		FROM notification_deliveries
		WHERE notification_id = $1
		ORDER BY sent_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, wrap("query notification deliveries", err)
	}
	defer rows.Close()

	var out []*NotificationDelivery
	for rows.Next() {
		var d NotificationDelivery
		if err := rows.Scan(
			&d.ID,
			&d.NotificationID,
			&d.Channel,
			&d.Status,
			&d.Provider,
			&d.MessageID,
			&d.ErrorMessage,
			&d.SentAt,
			&d.DeliveredAt,
		); err != nil {
			return nil, wrap("scan notification delivery", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate notification deliveries", err)
	}
	return out, nil
}

// GetPreference loads the preference for (userID, type). A user row wins
// over the type default (user_id NULL). Returns ErrNotFound when neither exists.
func (r *Repository) GetPreference(ctx context.Context, userID, notificationType string) (*NotificationPreference, error) {
	query := `
		SELECT id, user_id, type,
		       email_enabled, sms_enabled, push_enabled, webhook_enabled,
		       discord_enabled, slack_enabled, in_app_enabled,
		       min_severity, quiet_hours_start, quiet_hours_end, throttle_rate,
		       email_address, phone_number, push_token,
		       created_at, updated_at
		FROM notification_preferences
		WHERE type = $2 AND (user_id = $1 OR user_id IS NULL)
		ORDER BY user_id NULLS LAST
		LIMIT 1
	`

	var p NotificationPreference
	err := r.db.Pool().QueryRow(ctx, query, userID, notificationType).Scan(
		&p.ID,
		&p.UserID,
		&p.Type,
		&p.Email,
		&p.SMS,
		&p.Push,
		&p.Webhook,
		&p.Discord,
		&p.Slack,
		&p.InApp,
		&p.MinSeverity,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&p.ThrottleRate,
		&p.EmailAddress,
		&p.PhoneNumber,
		&p.PushToken,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, wrap("query preference", err)
	}
	return &p, nil
}

// ReserveDedupKey inserts the (type, title, message, bucket) key. It returns
// false when the key already exists, which is the duplicate signal.
func (r *Repository) ReserveDedupKey(ctx context.Context, notificationType, title, message string, bucket int64) (bool, error) {
	query := `
		INSERT INTO notification_dedup (type, title, message, bucket)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query, notificationType, title, message, bucket)
	if err != nil {
		return false, wrap("reserve dedup key", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PruneDedupKeys drops reservations created before cutoff.
func (r *Repository) PruneDedupKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_dedup WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, wrap("prune dedup keys", err)
	}
	return tag.RowsAffected(), nil
}
