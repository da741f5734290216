package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
	"github.com/lalithlochan/cannaai-notify/internal/queue"
	"github.com/lalithlochan/cannaai-notify/internal/redis"
)

const idempotencyScope = "notifications"

// NotificationRequest is the body of POST /v1/notifications. A set
// scheduled_at routes the request through the queue; dedupe drops it when an
// identical notification went out within the dedup window.
type NotificationRequest struct {
	dispatch.Request
	queue.QueueOptions
	Dedupe bool `json:"dedupe,omitempty"`
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	ID          string                    `json:"id,omitempty"`
	ScheduledID string                    `json:"scheduled_id,omitempty"`
	Duplicate   bool                      `json:"duplicate,omitempty"`
	Result      *dispatch.Result          `json:"result,omitempty"`
	Scheduled   *db.ScheduledNotification `json:"scheduled,omitempty"`
}

type BulkRequest struct {
	Notifications []dispatch.Request `json:"notifications"`
	BatchSize     int                `json:"batch_size,omitempty"`
	DelayMS       int                `json:"delay_ms,omitempty"`
}

type GroupedRequest struct {
	Notifications []dispatch.Request `json:"notifications"`
	WindowMS      int                `json:"window_ms,omitempty"`
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeServiceError(w, err, "notification")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.deps.Idempotency != nil {
		cached, err := h.deps.Idempotency.Begin(ctx, idempotencyScope, key)
		switch {
		case errors.Is(err, redis.ErrRequestInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			key = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, NotificationResponse{
				ID:          cached.NotificationID,
				ScheduledID: cached.ScheduledID,
			})
			return
		}
	} else {
		key = ""
	}

	status, resp, err := h.createNotification(r, req)
	if err != nil {
		if key != "" {
			if abortErr := h.deps.Idempotency.Abort(ctx, idempotencyScope, key); abortErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(abortErr))
			}
		}
		h.writeServiceError(w, err, "notification")
		return
	}

	if key != "" {
		stored := &redis.IdempotentResponse{
			NotificationID: resp.ID,
			ScheduledID:    resp.ScheduledID,
			StatusCode:     status,
		}
		if err := h.deps.Idempotency.Complete(ctx, idempotencyScope, key, stored); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	writeJSON(w, status, resp)
}

func (h *Handler) createNotification(r *http.Request, req NotificationRequest) (int, NotificationResponse, error) {
	ctx := r.Context()

	if req.Dedupe && h.deps.Dedup != nil && !h.deps.Dedup.ShouldSend(ctx, req.Request, h.deps.Dedup.Window()) {
		h.logger.Info("duplicate notification dropped",
			zap.String("type", req.Type),
			zap.String("title", req.Title),
		)
		return http.StatusOK, NotificationResponse{Duplicate: true}, nil
	}

	if req.ScheduledAt != nil {
		qr, err := h.deps.Scheduler.Queue(ctx, req.Request, req.QueueOptions)
		if err != nil {
			return 0, NotificationResponse{}, err
		}
		if qr.Scheduled != nil {
			return http.StatusAccepted, NotificationResponse{
				ScheduledID: qr.Scheduled.ID.String(),
				Scheduled:   qr.Scheduled,
			}, nil
		}
		return http.StatusCreated, resultResponse(qr.Result), nil
	}

	var (
		res *dispatch.Result
		err error
	)
	if h.deps.Broadcaster != nil {
		res, err = h.deps.Notifier.NotifyRealTime(ctx, req.Request, h.deps.Broadcaster)
		if res != nil && err != nil {
			// the notification exists; a lost broadcast is not the caller's failure
			err = nil
		}
	} else {
		res, err = h.deps.Notifier.Send(ctx, req.Request)
	}
	if err != nil {
		return 0, NotificationResponse{}, err
	}

	h.logger.Info("notification created",
		zap.String("id", res.Notification.ID.String()),
		zap.String("type", res.Notification.Type),
		zap.Int("deliveries", len(res.Deliveries)),
	)
	return http.StatusCreated, resultResponse(res), nil
}

func resultResponse(res *dispatch.Result) NotificationResponse {
	return NotificationResponse{ID: res.Notification.ID.String(), Result: res}
}

// BulkNotifications handles POST /v1/notifications/bulk
func (h *Handler) BulkNotifications(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Notifications) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing notifications", "notifications must not be empty")
		return
	}

	res, err := h.deps.Scheduler.QueueBulk(r.Context(), req.Notifications, queue.BulkOptions{
		BatchSize:           req.BatchSize,
		DelayBetweenBatches: time.Duration(req.DelayMS) * time.Millisecond,
	})
	if err != nil {
		h.writeServiceError(w, err, "bulk request")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GroupedNotifications handles POST /v1/notifications/grouped
func (h *Handler) GroupedNotifications(w http.ResponseWriter, r *http.Request) {
	var req GroupedRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Notifications) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing notifications", "notifications must not be empty")
		return
	}

	window := h.deps.GroupWindow
	if req.WindowMS > 0 {
		window = time.Duration(req.WindowMS) * time.Millisecond
	}

	res, err := h.deps.Grouper.GroupAndSend(r.Context(), req.Notifications, window)
	if err != nil {
		h.writeServiceError(w, err, "grouped request")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "notification")
	if !ok {
		return
	}
	n, err := h.deps.Notifier.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "notification")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// ListNotificationDeliveries handles GET /v1/notifications/{id}/deliveries
func (h *Handler) ListNotificationDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "notification")
	if !ok {
		return
	}
	deliveries, err := h.deps.Notifier.Deliveries(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "notification")
		return
	}
	if deliveries == nil {
		deliveries = []*db.NotificationDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  deliveries,
		"count": len(deliveries),
	})
}

// AcknowledgeNotification handles POST /v1/notifications/{id}/acknowledge
func (h *Handler) AcknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "notification")
	if !ok {
		return
	}
	n, err := h.deps.Notifier.Acknowledge(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "notification")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// CancelScheduled handles DELETE /v1/scheduled/{id}
func (h *Handler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "scheduled")
	if !ok {
		return
	}
	if err := h.deps.Scheduler.Cancel(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "scheduled notification")
		return
	}
	h.logger.Info("scheduled notification cancelled", zap.String("id", id.String()))
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": db.ScheduledCancelled,
	})
}
