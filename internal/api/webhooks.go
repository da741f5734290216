package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/webhook"
)

// redact hides the signing secret. It is only returned by create.
func redact(sub *db.WebhookSubscription) *db.WebhookSubscription {
	out := *sub
	out.Secret = ""
	return &out
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.CreateInput
	if !h.decode(w, r, &in) {
		return
	}
	sub, err := h.deps.Webhooks.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := h.deps.Webhooks.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	data := make([]*db.WebhookSubscription, 0, len(subs))
	for _, s := range subs {
		data = append(data, redact(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"count": len(data),
	})
}

// GetWebhook handles GET /v1/webhooks/{id}
func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "webhook")
	if !ok {
		return
	}
	sub, err := h.deps.Webhooks.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	writeJSON(w, http.StatusOK, redact(sub))
}

// UpdateWebhook handles PATCH /v1/webhooks/{id}
func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "webhook")
	if !ok {
		return
	}
	var in webhook.UpdateInput
	if !h.decode(w, r, &in) {
		return
	}
	sub, err := h.deps.Webhooks.Update(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	writeJSON(w, http.StatusOK, redact(sub))
}

// DeleteWebhook handles DELETE /v1/webhooks/{id}
func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "webhook")
	if !ok {
		return
	}
	if err := h.deps.Webhooks.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": "deleted",
	})
}

// TestWebhook handles POST /v1/webhooks/{id}/test. The delivery record is
// returned whatever its outcome.
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "webhook")
	if !ok {
		return
	}
	d, err := h.deps.Webhooks.Test(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	h.logger.Info("webhook test sent",
		zap.String("webhook_id", id.String()),
		zap.String("status", d.Status),
	)
	writeJSON(w, http.StatusOK, d)
}

// ListWebhookDeliveries handles GET /v1/webhooks/{id}/deliveries?limit=50
func (h *Handler) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "webhook")
	if !ok {
		return
	}
	limit := queryLimit(r, 50, 200)
	deliveries, err := h.deps.Deliveries.Deliveries(r.Context(), id, limit)
	if err != nil {
		h.writeServiceError(w, err, "webhook")
		return
	}
	if deliveries == nil {
		deliveries = []*db.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  deliveries,
		"limit": limit,
		"count": len(deliveries),
	})
}
