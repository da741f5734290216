// Package dispatch turns a notification request into persisted
// notifications and per-channel deliveries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
	"github.com/lalithlochan/cannaai-notify/internal/worker"
)

// Store is the persistence the dispatcher needs. *db.Repository satisfies it.
type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	AcknowledgeNotification(ctx context.Context, id uuid.UUID, at time.Time) (*db.Notification, error)
	CreateNotificationDelivery(ctx context.Context, d *db.NotificationDelivery) error
	ListNotificationDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*db.NotificationDelivery, error)
	GetPreference(ctx context.Context, userID, notificationType string) (*db.NotificationPreference, error)
	ListWebhooksForEvent(ctx context.Context, eventType, kind string) ([]*db.WebhookSubscription, error)
	MarkWebhookUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// WebhookQueue hands a generic webhook delivery to the delivery engine.
type WebhookQueue interface {
	Enqueue(sub *db.WebhookSubscription, n *db.Notification) error
}

// Broadcaster forwards created notifications to real-time listeners.
type Broadcaster interface {
	Broadcast(ctx context.Context, n *db.Notification) error
}

type Options struct {
	// Throttle enforces preference throttle rates. Nil disables throttling.
	Throttle Throttle
	// Location is the zone quiet hours are evaluated in.
	Location *time.Location
	Now      func() time.Time
}

// Dispatcher is the entry point for sending notifications.
type Dispatcher struct {
	store    Store
	sender   worker.Sender
	webhooks WebhookQueue
	throttle Throttle
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// New builds a Dispatcher. sender must route push, email, sms, discord
// and slack; a worker.MultiSender is the usual choice.
func New(store Store, sender worker.Sender, webhooks WebhookQueue, logger *zap.Logger, opts Options) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:    store,
		sender:   sender,
		webhooks: webhooks,
		throttle: opts.Throttle,
		loc:      opts.Location,
		now:      opts.Now,
		logger:   logger,
	}
}

var externalChannels = []string{db.ChannelPush, db.ChannelEmail, db.ChannelSMS}

// Send persists the notification, applies preference gating and fans out
// to the requested channels. Channel failures are recorded as failed
// deliveries; only persistence of the notification or its in-app delivery
// returns an error.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	n := req.notification()
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	metrics.RecordDispatched(n.Type, n.Severity)

	log := d.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("type", n.Type),
		zap.String("severity", n.Severity),
	)

	pref := d.preference(ctx, req, log)
	res := &Result{Notification: n, Deliveries: []*db.NotificationDelivery{}}

	if reason := d.suppression(pref, n.Severity, log); reason != "" {
		res.Suppressed = true
		res.SuppressReason = reason
		metrics.RecordSuppressed(reason)
		log.Info("notification suppressed", zap.String("reason", reason))
		return res, nil
	}

	now := d.now()
	inApp := &db.NotificationDelivery{
		NotificationID: n.ID,
		Channel:        db.ChannelInApp,
		Status:         db.StatusDelivered,
		Provider:       db.ChannelInApp,
		SentAt:         now,
		DeliveredAt:    &now,
	}
	if err := d.store.CreateNotificationDelivery(ctx, inApp); err != nil {
		return nil, fmt.Errorf("record in-app delivery: %w", err)
	}
	metrics.RecordChannelDelivery(db.ChannelInApp, db.StatusDelivered)
	res.Deliveries = append(res.Deliveries, inApp)

	if !d.allowFanOut(ctx, pref, req, log) {
		res.Throttled = true
		metrics.RecordSuppressed("throttled")
		return res, nil
	}

	deliveries, queued := d.fanOut(ctx, req, pref, n, log)
	res.Deliveries = append(res.Deliveries, deliveries...)
	res.WebhooksQueued = queued

	log.Info("notification dispatched",
		zap.Int("deliveries", len(res.Deliveries)),
		zap.Int("webhooks_queued", queued),
	)
	return res, nil
}

func (d *Dispatcher) preference(ctx context.Context, req Request, log *zap.Logger) *db.NotificationPreference {
	if req.UserID == nil {
		return nil
	}
	pref, err := d.store.GetPreference(ctx, *req.UserID, req.Type)
	switch {
	case err == nil:
		return pref
	case errors.Is(err, db.ErrNotFound):
		return nil
	default:
		log.Warn("failed to load preference, using defaults", zap.Error(err))
		return nil
	}
}

func (d *Dispatcher) suppression(pref *db.NotificationPreference, severity string, log *zap.Logger) string {
	quiet, err := inQuietHours(pref, d.now().In(d.loc))
	if err != nil {
		log.Warn("ignoring malformed quiet hours", zap.Error(err))
	}
	if quiet {
		return reasonQuietHours
	}
	if belowMinSeverity(pref, severity) {
		return reasonMinSeverity
	}
	return ""
}

func (d *Dispatcher) allowFanOut(ctx context.Context, pref *db.NotificationPreference, req Request, log *zap.Logger) bool {
	if d.throttle == nil || pref == nil || pref.ThrottleRate <= 0 || req.UserID == nil {
		return true
	}
	ok, err := d.throttle.Allow(ctx, *req.UserID+":"+req.Type, pref.ThrottleRate)
	if err != nil {
		log.Warn("throttle check failed, allowing", zap.Error(err))
		return true
	}
	if !ok {
		log.Info("notification throttled", zap.Int("rate_per_minute", pref.ThrottleRate))
	}
	return ok
}

// fanOut runs every channel concurrently and returns the deliveries in
// channel order.
func (d *Dispatcher) fanOut(ctx context.Context, req Request, pref *db.NotificationPreference, n *db.Notification, log *zap.Logger) ([]*db.NotificationDelivery, int) {
	var (
		mu         sync.Mutex
		deliveries []*db.NotificationDelivery
		queued     int
	)
	collect := func(del *db.NotificationDelivery) {
		mu.Lock()
		deliveries = append(deliveries, del)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, ch := range externalChannels {
		if !req.wants(ch) || !channelEnabled(pref, n.Type, ch) {
			continue
		}
		msg := newMessage(n, ch, target(pref, req.UserID, ch))
		g.Go(func() error {
			collect(d.deliver(ctx, msg, log))
			return nil
		})
	}

	if req.wants(db.ChannelWebhook) && channelEnabled(pref, n.Type, db.ChannelWebhook) {
		g.Go(func() error {
			c := d.queueWebhooks(ctx, n, log)
			mu.Lock()
			queued = c
			mu.Unlock()
			return nil
		})
	}

	for _, kind := range []string{db.KindDiscord, db.KindSlack} {
		if !req.wants(kind) || !channelEnabled(pref, n.Type, kind) {
			continue
		}
		subs, err := d.store.ListWebhooksForEvent(ctx, n.Type, kind)
		if err != nil {
			log.Error("failed to load chat subscriptions", zap.String("kind", kind), zap.Error(err))
			continue
		}
		for _, sub := range subs {
			msg := newMessage(n, kind, sub.URL)
			msg.TargetID = sub.ID.String()
			msg.Timeout = sub.Timeout()
			g.Go(func() error {
				del := d.deliver(ctx, msg, log)
				collect(del)
				if del.Status == db.StatusDelivered {
					if err := d.store.MarkWebhookUsed(ctx, sub.ID, d.now()); err != nil {
						log.Warn("failed to mark chat webhook used", zap.Error(err))
					}
				}
				return nil
			})
		}
	}

	_ = g.Wait()

	slices.SortStableFunc(deliveries, func(a, b *db.NotificationDelivery) int {
		return slices.Index(db.AllChannels, a.Channel) - slices.Index(db.AllChannels, b.Channel)
	})
	return deliveries, queued
}

func (d *Dispatcher) queueWebhooks(ctx context.Context, n *db.Notification, log *zap.Logger) int {
	subs, err := d.store.ListWebhooksForEvent(ctx, n.Type, db.KindGeneric)
	if err != nil {
		log.Error("failed to load webhook subscriptions", zap.Error(err))
		return 0
	}
	queued := 0
	for _, sub := range subs {
		if err := d.webhooks.Enqueue(sub, n); err != nil {
			log.Warn("webhook delivery not queued", zap.String("webhook_id", sub.ID.String()), zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

// deliver sends one message and records the outcome. A sender error or
// panic becomes a failed delivery.
func (d *Dispatcher) deliver(ctx context.Context, msg *worker.Message, log *zap.Logger) *db.NotificationDelivery {
	result := d.safeSend(ctx, msg)

	del := &db.NotificationDelivery{
		NotificationID: msg.NotificationID,
		Channel:        msg.Channel,
		Provider:       result.Provider,
		SentAt:         d.now(),
	}
	if del.Provider == "" {
		del.Provider = msg.Channel
	}
	if result.Success {
		at := d.now()
		del.Status = db.StatusDelivered
		del.DeliveredAt = &at
		if result.MessageID != "" {
			id := result.MessageID
			del.MessageID = &id
		}
	} else {
		del.Status = db.StatusFailed
		errMsg := result.Error
		del.ErrorMessage = &errMsg
		log.Warn("channel delivery failed", zap.String("channel", msg.Channel), zap.String("error", errMsg))
	}
	metrics.RecordChannelDelivery(del.Channel, del.Status)

	if err := d.store.CreateNotificationDelivery(context.WithoutCancel(ctx), del); err != nil {
		log.Error("failed to record delivery", zap.String("channel", msg.Channel), zap.Error(err))
	}
	return del
}

func (d *Dispatcher) safeSend(ctx context.Context, msg *worker.Message) (result *worker.DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			result = worker.Failed(msg.Channel, "", fmt.Errorf("sender panic: %v", r))
		}
	}()

	res, err := d.sender.Send(ctx, msg)
	switch {
	case err != nil:
		provider := ""
		if res != nil {
			provider = res.Provider
		}
		return worker.Failed(msg.Channel, provider, err)
	case res == nil:
		return worker.Failed(msg.Channel, "", errors.New("sender returned no result"))
	}
	return res
}

func newMessage(n *db.Notification, channel, target string) *worker.Message {
	return &worker.Message{
		NotificationID: n.ID,
		Type:           n.Type,
		Channel:        channel,
		Target:         target,
		Subject:        n.Title,
		Body:           n.Message,
		Severity:       n.Severity,
		Metadata:       n.Metadata,
	}
}

// NotifyRealTime dispatches req and forwards the created notification to b.
// Suppressed notifications are not broadcast. A broadcast failure is
// returned alongside the result; the notification stays created.
func (d *Dispatcher) NotifyRealTime(ctx context.Context, req Request, b Broadcaster) (*Result, error) {
	res, err := d.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Suppressed || b == nil {
		return res, nil
	}
	if err := b.Broadcast(ctx, res.Notification); err != nil {
		d.logger.Warn("real-time broadcast failed",
			zap.String("notification_id", res.Notification.ID.String()),
			zap.Error(err),
		)
		return res, fmt.Errorf("broadcast notification: %w", err)
	}
	return res, nil
}

// Acknowledge marks a notification as seen.
func (d *Dispatcher) Acknowledge(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return d.store.AcknowledgeNotification(ctx, id, d.now())
}

func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return d.store.GetNotification(ctx, id)
}

func (d *Dispatcher) Deliveries(ctx context.Context, id uuid.UUID) ([]*db.NotificationDelivery, error) {
	return d.store.ListNotificationDeliveries(ctx, id)
}
