package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/dedup"
	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/queue"
	"github.com/lalithlochan/cannaai-notify/internal/redis"
	"github.com/lalithlochan/cannaai-notify/internal/webhook"
)

// Notifier is the dispatch surface the handlers drive.
type Notifier interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	NotifyRealTime(ctx context.Context, req dispatch.Request, b dispatch.Broadcaster) (*dispatch.Result, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Deliveries(ctx context.Context, id uuid.UUID) ([]*db.NotificationDelivery, error)
	Acknowledge(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

type Deduper interface {
	ShouldSend(ctx context.Context, req dispatch.Request, window time.Duration) bool
	Window() time.Duration
}

type Grouper interface {
	GroupAndSend(ctx context.Context, reqs []dispatch.Request, window time.Duration) (*dedup.GroupResult, error)
}

type Scheduler interface {
	Queue(ctx context.Context, req dispatch.Request, opts queue.QueueOptions) (*queue.QueueResult, error)
	QueueBulk(ctx context.Context, reqs []dispatch.Request, opts queue.BulkOptions) (*queue.BulkResult, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type Webhooks interface {
	Create(ctx context.Context, in webhook.CreateInput) (*db.WebhookSubscription, error)
	Get(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	List(ctx context.Context) ([]*db.WebhookSubscription, error)
	Update(ctx context.Context, id uuid.UUID, in webhook.UpdateInput) (*db.WebhookSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Test(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error)
}

type DeliveryLog interface {
	Deliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*db.WebhookDelivery, error)
}

// Idempotency replays responses for repeated Idempotency-Key requests.
// *redis.IdempotencyService satisfies it.
type Idempotency interface {
	Begin(ctx context.Context, scope, key string) (*redis.IdempotentResponse, error)
	Complete(ctx context.Context, scope, key string, resp *redis.IdempotentResponse) error
	Abort(ctx context.Context, scope, key string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps wires the services behind the handlers. Dedup, Idempotency and
// Broadcaster are optional.
type Deps struct {
	Notifier    Notifier
	Dedup       Deduper
	Grouper     Grouper
	GroupWindow time.Duration
	Scheduler   Scheduler
	Webhooks    Webhooks
	Deliveries  DeliveryLog
	Idempotency Idempotency
	Broadcaster dispatch.Broadcaster
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	if deps.GroupWindow <= 0 {
		deps.GroupWindow = dedup.DefaultGroupWindow
	}
	return &Handler{logger: logger, deps: deps}
}

// Mount registers the v1 routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/notifications", h.CreateNotification)
	r.Post("/notifications/bulk", h.BulkNotifications)
	r.Post("/notifications/grouped", h.GroupedNotifications)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/notifications/{id}/deliveries", h.ListNotificationDeliveries)
	r.Post("/notifications/{id}/acknowledge", h.AcknowledgeNotification)

	r.Delete("/scheduled/{id}", h.CancelScheduled)

	r.Post("/webhooks", h.CreateWebhook)
	r.Get("/webhooks", h.ListWebhooks)
	r.Get("/webhooks/{id}", h.GetWebhook)
	r.Patch("/webhooks/{id}", h.UpdateWebhook)
	r.Delete("/webhooks/{id}", h.DeleteWebhook)
	r.Post("/webhooks/{id}/test", h.TestWebhook)
	r.Get("/webhooks/{id}/deliveries", h.ListWebhookDeliveries)
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, def, maxLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= maxLimit {
			return l
		}
	}
	return def
}

// writeServiceError maps sentinel errors from the services to statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, webhook.ErrValidation), errors.Is(err, dispatch.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid "+what, err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", capitalize(what)+" not found", "")
	case errors.Is(err, db.ErrSchemaNotReady):
		h.writeError(w, http.StatusServiceUnavailable, "schema_not_ready", "Database schema not ready", "run migrations")
	case errors.Is(err, webhook.ErrEngineClosed):
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Service is shutting down", "")
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("resource", what))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process "+what, "")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
