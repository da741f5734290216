package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu            sync.Mutex
	webhooks      map[uuid.UUID]*db.WebhookSubscription
	deliveries    map[uuid.UUID]*db.WebhookDelivery
	notifications map[uuid.UUID]*db.Notification
	updateErr     error
}

func newMemStore() *memStore {
	return &memStore{
		webhooks:      map[uuid.UUID]*db.WebhookSubscription{},
		deliveries:    map[uuid.UUID]*db.WebhookDelivery{},
		notifications: map[uuid.UUID]*db.Notification{},
	}
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, db.ErrNotFound)
}

func (m *memStore) CreateWebhook(ctx context.Context, s *db.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	m.webhooks[s.ID] = &cp
	return nil
}

func (m *memStore) GetWebhook(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.webhooks[id]
	if !ok {
		return nil, notFound("query webhook")
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListWebhooks(ctx context.Context) ([]*db.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.WebhookSubscription
	for _, s := range m.webhooks {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateWebhook(ctx context.Context, s *db.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[s.ID]; !ok {
		return notFound("update webhook")
	}
	cp := *s
	m.webhooks[s.ID] = &cp
	return nil
}

func (m *memStore) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return notFound("delete webhook")
	}
	delete(m.webhooks, id)
	return nil
}

func (m *memStore) MarkWebhookUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.webhooks[id]
	if !ok {
		return notFound("mark webhook used")
	}
	s.LastUsed = &at
	s.IsVerified = true
	return nil
}

func (m *memStore) CreateWebhookDelivery(ctx context.Context, d *db.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *memStore) UpdateWebhookDelivery(ctx context.Context, d *db.WebhookDelivery, prevAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.deliveries[d.ID]
	if !ok {
		return notFound("update webhook delivery")
	}
	if cur.Terminal() || cur.Attempts != prevAttempts {
		return fmt.Errorf("update webhook delivery %s: %w", d.ID, db.ErrStale)
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *memStore) ClaimWebhookDelivery(ctx context.Context, d *db.WebhookDelivery, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliveries[d.ID]
	if !ok || cur.Terminal() || cur.Attempts != d.Attempts {
		return false, nil
	}
	if cur.NextRetryAt != nil && cur.NextRetryAt.After(now) {
		return false, nil
	}
	cur.NextRetryAt = &leaseUntil
	d.NextRetryAt = &leaseUntil
	return true, nil
}

func (m *memStore) ListDueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]*db.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.WebhookDelivery
	for _, d := range m.deliveries {
		if d.Status != db.DeliveryPending && d.Status != db.DeliveryRetry {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListWebhookDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*db.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.WebhookDelivery
	for _, d := range m.deliveries {
		if d.WebhookID == webhookID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, notFound("query notification")
	}
	return n, nil
}

func (m *memStore) delivery(id uuid.UUID) *db.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.deliveries[id]
	return &cp
}

func (m *memStore) webhook(id uuid.UUID) *db.WebhookSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.webhooks[id]
	return &cp
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
