// Package webhook manages outbound webhook subscriptions and the signed,
// retried HTTP deliveries made to them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
	"github.com/lalithlochan/cannaai-notify/internal/worker"
)

const (
	maxResponseBody   = 1000
	timestampLayout   = "2006-01-02T15:04:05.000Z"
	reasonDisabled    = "webhook disabled"
	reasonMaxAttempts = "max attempts reached"

	// leaseGrace pads the subscription timeout when a row is leased to one
	// attempt, covering the store writes around the POST.
	leaseGrace = 30 * time.Second
)

// ErrEngineClosed is returned when work is handed to a closed engine.
var ErrEngineClosed = errors.New("webhook engine closed")

// Store is the persistence the webhook package needs. *db.Repository
// satisfies it.
type Store interface {
	CreateWebhook(ctx context.Context, s *db.WebhookSubscription) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	ListWebhooks(ctx context.Context) ([]*db.WebhookSubscription, error)
	UpdateWebhook(ctx context.Context, s *db.WebhookSubscription) error
	DeleteWebhook(ctx context.Context, id uuid.UUID) error
	MarkWebhookUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	CreateWebhookDelivery(ctx context.Context, d *db.WebhookDelivery) error
	UpdateWebhookDelivery(ctx context.Context, d *db.WebhookDelivery, prevAttempts int) error
	ClaimWebhookDelivery(ctx context.Context, d *db.WebhookDelivery, now, leaseUntil time.Time) (bool, error)
	ListDueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]*db.WebhookDelivery, error)
	ListWebhookDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*db.WebhookDelivery, error)

	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// Envelope is the JSON body of a generic webhook delivery. Field order is
// part of the wire contract.
type Envelope struct {
	ID        string       `json:"id"`
	Event     string       `json:"event"`
	Timestamp string       `json:"timestamp"`
	Data      EnvelopeData `json:"data"`
}

type EnvelopeData struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity string         `json:"severity"`
	Metadata map[string]any `json:"metadata"`
}

// BuildPayload serializes the envelope for a notification.
func BuildPayload(n *db.Notification, eventType string, at time.Time) ([]byte, error) {
	meta := n.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	env := Envelope{
		ID:        n.ID.String(),
		Event:     eventType,
		Timestamp: at.UTC().Format(timestampLayout),
		Data: EnvelopeData{
			ID:       n.ID.String(),
			Type:     n.Type,
			Title:    n.Title,
			Message:  n.Message,
			Severity: n.Severity,
			Metadata: meta,
		},
	}
	return json.Marshal(env)
}

type EngineConfig struct {
	ProductName string
	// RetryDelay is how far out a retryable failure is rescheduled.
	RetryDelay time.Duration
	// BatchSize bounds the rows picked up by one ProcessPending pass.
	BatchSize int
	// Workers bounds concurrent deliveries within a pass.
	Workers int
	Client  *http.Client
	Now     func() time.Time
}

// Engine performs webhook delivery attempts and records their outcome.
type Engine struct {
	store      Store
	client     *http.Client
	logger     *zap.Logger
	product    string
	userAgent  string
	retryDelay time.Duration
	batchSize  int
	workers    int
	now        func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func NewEngine(store Store, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.ProductName == "" {
		cfg.ProductName = "CannaAI"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Client == nil {
		// per-attempt timeouts come from the subscription
		cfg.Client = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		client:     cfg.Client,
		logger:     logger,
		product:    cfg.ProductName,
		userAgent:  cfg.ProductName + "-Webhook/1.0",
		retryDelay: cfg.RetryDelay,
		batchSize:  cfg.BatchSize,
		workers:    cfg.Workers,
		now:        cfg.Now,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Schedule creates a pending delivery of n to sub and attempts it once.
// The row is leased to this attempt so a concurrent retry pass leaves it
// alone. The returned delivery carries the outcome; only persistence
// failures are returned as errors.
func (e *Engine) Schedule(ctx context.Context, sub *db.WebhookSubscription, n *db.Notification) (*db.WebhookDelivery, error) {
	payload, err := BuildPayload(n, n.Type, e.now())
	if err != nil {
		return nil, fmt.Errorf("build webhook payload: %w", err)
	}

	nid := n.ID
	lease := e.leaseUntil(sub)
	d := &db.WebhookDelivery{
		WebhookID:      sub.ID,
		NotificationID: &nid,
		EventType:      n.Type,
		Status:         db.DeliveryPending,
		NextRetryAt:    &lease,
	}
	if err := e.store.CreateWebhookDelivery(ctx, d); err != nil {
		return nil, err
	}

	if err := e.Deliver(ctx, sub, d, payload); err != nil {
		return d, err
	}
	return d, nil
}

// Ping sends a verification delivery to sub. Generic subscriptions get a
// signed envelope; discord and slack subscriptions get their chat payload.
func (e *Engine) Ping(ctx context.Context, sub *db.WebhookSubscription) (*db.WebhookDelivery, error) {
	lease := e.leaseUntil(sub)
	d := &db.WebhookDelivery{
		WebhookID:   sub.ID,
		EventType:   db.TypeWebhookTest,
		Status:      db.DeliveryPending,
		NextRetryAt: &lease,
	}
	if err := e.store.CreateWebhookDelivery(ctx, d); err != nil {
		return nil, err
	}

	payload, err := e.pingPayload(sub, d)
	if err != nil {
		return d, err
	}
	if err := e.Deliver(ctx, sub, d, payload); err != nil {
		return d, err
	}
	return d, nil
}

func (e *Engine) pingNotification(sub *db.WebhookSubscription, d *db.WebhookDelivery) *db.Notification {
	return &db.Notification{
		ID:       d.ID,
		Type:     db.TypeWebhookTest,
		Title:    "Webhook test",
		Message:  fmt.Sprintf("Test delivery from %s to %q", e.product, sub.Name),
		Severity: db.SeverityInfo,
		Metadata: map[string]any{"webhook_id": sub.ID.String()},
	}
}

func (e *Engine) pingPayload(sub *db.WebhookSubscription, d *db.WebhookDelivery) ([]byte, error) {
	n := e.pingNotification(sub, d)
	msg := &worker.Message{
		NotificationID: n.ID,
		Type:           n.Type,
		Subject:        n.Title,
		Body:           n.Message,
		Severity:       n.Severity,
		Metadata:       n.Metadata,
	}
	switch sub.ChannelKind {
	case db.KindDiscord:
		return json.Marshal(worker.BuildDiscordPayload(e.product, msg))
	case db.KindSlack:
		return json.Marshal(worker.BuildSlackPayload(msg))
	}
	return BuildPayload(n, db.TypeWebhookTest, e.now())
}

// Enqueue runs Schedule in the background under the engine's lifetime.
func (e *Engine) Enqueue(sub *db.WebhookSubscription, n *db.Notification) error {
	return e.goTracked(func(ctx context.Context) {
		if _, err := e.Schedule(ctx, sub, n); err != nil {
			e.logger.Error("failed to schedule webhook delivery",
				zap.Error(err),
				zap.String("webhook_id", sub.ID.String()),
				zap.String("notification_id", n.ID.String()),
			)
		}
	})
}

// EnqueuePing runs Ping in the background under the engine's lifetime.
func (e *Engine) EnqueuePing(sub *db.WebhookSubscription) error {
	return e.goTracked(func(ctx context.Context) {
		d, err := e.Ping(ctx, sub)
		if err != nil {
			e.logger.Warn("webhook verification ping could not be recorded",
				zap.Error(err),
				zap.String("webhook_id", sub.ID.String()),
			)
			return
		}
		if d.Status != db.DeliverySuccess {
			e.logger.Warn("webhook verification ping failed",
				zap.String("webhook_id", sub.ID.String()),
				zap.String("status", d.Status),
			)
		}
	})
}

func (e *Engine) goTracked(fn func(ctx context.Context)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.baseCtx)
	}()
	return nil
}

// Close stops accepting background work and waits for in-flight
// deliveries. If ctx expires first, in-flight requests are cancelled and
// left in retry for the next pass.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Deliver makes one HTTP attempt of payload to sub and persists the
// outcome on d. Attempt failures are recorded on d, not returned. If the
// stored row moved on while the request was out, the outcome is dropped
// and an error wrapping db.ErrStale is returned.
func (e *Engine) Deliver(ctx context.Context, sub *db.WebhookSubscription, d *db.WebhookDelivery, payload []byte) error {
	if d.Terminal() {
		return fmt.Errorf("delivery %s is already %s", d.ID, d.Status)
	}

	prev := d.Attempts
	start := time.Now()
	code, body, err := e.post(ctx, sub, d, payload)
	at := e.now()

	d.Attempts++
	d.SentAt = &at
	if code != 0 {
		d.ResponseCode = &code
		d.ResponseBody = &body
	}

	if err == nil {
		d.Status = db.DeliverySuccess
		d.DeliveredAt = &at
		d.NextRetryAt = nil
		d.ErrorMessage = nil
	} else {
		e.recordFailure(sub, d, err, at)
	}

	metrics.RecordWebhookDelivery(d.Status, time.Since(start))

	// persist even if the caller's context was cancelled mid-request
	storeCtx := context.WithoutCancel(ctx)
	if uerr := e.store.UpdateWebhookDelivery(storeCtx, d, prev); uerr != nil {
		return uerr
	}

	if d.Status == db.DeliverySuccess {
		if merr := e.store.MarkWebhookUsed(storeCtx, sub.ID, at); merr != nil {
			e.logger.Warn("failed to mark webhook used", zap.Error(merr), zap.String("webhook_id", sub.ID.String()))
		} else {
			sub.LastUsed = &at
			sub.IsVerified = true
		}
	}
	return nil
}

func (e *Engine) recordFailure(sub *db.WebhookSubscription, d *db.WebhookDelivery, err error, at time.Time) {
	retryable, kind := Classify(err)
	msg := err.Error()

	switch {
	case retryable && d.Attempts >= maxAttempts(sub):
		d.Status = db.DeliveryFailed
		d.NextRetryAt = nil
		msg = reasonMaxAttempts + ": " + msg
	case retryable:
		next := at.Add(e.retryDelay)
		d.Status = db.DeliveryRetry
		d.NextRetryAt = &next
	default:
		d.Status = db.DeliveryFailed
		d.NextRetryAt = nil
	}
	d.ErrorMessage = &msg

	e.logger.Warn("webhook delivery failed",
		zap.String("delivery_id", d.ID.String()),
		zap.String("webhook_id", sub.ID.String()),
		zap.String("status", d.Status),
		zap.String("kind", kind),
		zap.Int("attempts", d.Attempts),
		zap.Error(err),
	)
}

func (e *Engine) post(ctx context.Context, sub *db.WebhookSubscription, d *db.WebhookDelivery, payload []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-ID", d.ID.String())
	req.Header.Set("User-Agent", e.userAgent)
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, sub.Secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	body := truncate(string(raw), maxResponseBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, body, nil
}

// ProcessPending re-attempts due pending and retry deliveries. Each row is
// claimed before it is touched, so overlapping passes and in-flight first
// attempts never send the same delivery twice.
func (e *Engine) ProcessPending(ctx context.Context) error {
	due, err := e.store.ListDueWebhookDeliveries(ctx, e.now(), e.batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	e.logger.Debug("processing pending webhook deliveries", zap.Int("count", len(due)))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, d := range due {
		g.Go(func() error {
			e.redeliver(ctx, d)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) redeliver(ctx context.Context, d *db.WebhookDelivery) {
	log := e.logger.With(zap.String("delivery_id", d.ID.String()), zap.String("webhook_id", d.WebhookID.String()))

	sub, err := e.store.GetWebhook(ctx, d.WebhookID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Error("failed to load webhook for retry", zap.Error(err))
		return
	}

	claimed, err := e.store.ClaimWebhookDelivery(ctx, d, e.now(), e.leaseUntil(sub))
	if err != nil {
		log.Error("failed to claim webhook delivery", zap.Error(err))
		return
	}
	if !claimed {
		log.Debug("delivery claimed elsewhere, skipping")
		return
	}

	if sub == nil || !sub.Enabled {
		e.fail(ctx, d, reasonDisabled, log)
		return
	}
	if d.Attempts >= maxAttempts(sub) {
		e.fail(ctx, d, reasonMaxAttempts, log)
		return
	}

	var payload []byte
	switch {
	case d.EventType == db.TypeWebhookTest:
		payload, err = e.pingPayload(sub, d)
	case d.NotificationID == nil:
		// the notification was deleted and the link nulled
		log.Info("notification gone, skipping delivery this pass")
		return
	default:
		n, gerr := e.store.GetNotification(ctx, *d.NotificationID)
		if errors.Is(gerr, db.ErrNotFound) {
			log.Info("notification gone, skipping delivery this pass")
			return
		}
		if gerr != nil {
			log.Error("failed to load notification for retry", zap.Error(gerr))
			return
		}
		payload, err = BuildPayload(n, d.EventType, e.now())
	}
	if err != nil {
		log.Error("failed to rebuild webhook payload", zap.Error(err))
		return
	}

	if err := e.Deliver(ctx, sub, d, payload); err != nil {
		if errors.Is(err, db.ErrStale) {
			log.Warn("webhook retry outcome dropped, row already updated", zap.Error(err))
			return
		}
		log.Error("failed to record webhook retry", zap.Error(err))
	}
}

func (e *Engine) fail(ctx context.Context, d *db.WebhookDelivery, reason string, log *zap.Logger) {
	d.Status = db.DeliveryFailed
	d.NextRetryAt = nil
	d.ErrorMessage = &reason
	if err := e.store.UpdateWebhookDelivery(ctx, d, d.Attempts); err != nil {
		log.Error("failed to mark delivery failed", zap.Error(err))
		return
	}
	metrics.RecordWebhookDelivery(d.Status, 0)
	log.Info("webhook delivery abandoned", zap.String("reason", reason))
}

// leaseUntil is when an attempt against sub stops holding its row.
func (e *Engine) leaseUntil(sub *db.WebhookSubscription) time.Time {
	lease := leaseGrace
	if sub != nil {
		lease += sub.Timeout()
	}
	return e.now().Add(lease)
}

// Deliveries lists recent deliveries for a subscription.
func (e *Engine) Deliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*db.WebhookDelivery, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.ListWebhookDeliveries(ctx, webhookID, limit)
}

func maxAttempts(sub *db.WebhookSubscription) int {
	if sub.RetryCount <= 0 {
		return db.DefaultWebhookRetryCount
	}
	return sub.RetryCount
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
