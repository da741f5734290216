package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/worker"
)

type mockStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*db.Notification
	deliveries    []*db.NotificationDelivery
	prefs         map[string]*db.NotificationPreference // key: user:type
	webhooks      []*db.WebhookSubscription
	used          []uuid.UUID
	prefErr       error
}

func newMockStore() *mockStore {
	return &mockStore{
		notifications: map[uuid.UUID]*db.Notification{},
		prefs:         map[string]*db.NotificationPreference{},
	}
}

func (m *mockStore) CreateNotification(ctx context.Context, n *db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	m.notifications[n.ID] = n
	return nil
}

func (m *mockStore) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("query notification: %w", db.ErrNotFound)
	}
	return n, nil
}

func (m *mockStore) AcknowledgeNotification(ctx context.Context, id uuid.UUID, at time.Time) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("acknowledge notification: %w", db.ErrNotFound)
	}
	n.Acknowledged = true
	n.AcknowledgedAt = &at
	return n, nil
}

func (m *mockStore) CreateNotificationDelivery(ctx context.Context, d *db.NotificationDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *mockStore) ListNotificationDeliveries(ctx context.Context, id uuid.UUID) ([]*db.NotificationDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.NotificationDelivery
	for _, d := range m.deliveries {
		if d.NotificationID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) GetPreference(ctx context.Context, userID, notificationType string) (*db.NotificationPreference, error) {
	if m.prefErr != nil {
		return nil, m.prefErr
	}
	p, ok := m.prefs[userID+":"+notificationType]
	if !ok {
		return nil, fmt.Errorf("query preference: %w", db.ErrNotFound)
	}
	return p, nil
}

func (m *mockStore) ListWebhooksForEvent(ctx context.Context, eventType, kind string) ([]*db.WebhookSubscription, error) {
	var out []*db.WebhookSubscription
	for _, s := range m.webhooks {
		if s.Enabled && s.ChannelKind == kind && s.Subscribes(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) MarkWebhookUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = append(m.used, id)
	return nil
}

func (m *mockStore) countChannel(notificationID uuid.UUID, channel, status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := 0
	for _, d := range m.deliveries {
		if d.NotificationID == notificationID && d.Channel == channel && d.Status == status {
			c++
		}
	}
	return c
}

// fakeSender answers for every channel; behaviour per channel is configurable.
type fakeSender struct {
	mu     sync.Mutex
	fail   map[string]error
	panics map[string]bool
	sent   []*worker.Message
}

func (f *fakeSender) Send(ctx context.Context, msg *worker.Message) (*worker.DeliveryResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	err := f.fail[msg.Channel]
	panics := f.panics[msg.Channel]
	f.mu.Unlock()

	if panics {
		panic("provider exploded")
	}
	if err != nil {
		return nil, err
	}
	return &worker.DeliveryResult{Success: true, Channel: msg.Channel, Provider: "fake", MessageID: "m-" + msg.Channel}, nil
}

func (f *fakeSender) SupportsChannel(string) bool { return true }

func (f *fakeSender) targets() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, m := range f.sent {
		out[m.Channel] = m.Target
	}
	return out
}

type fakeQueue struct {
	mu     sync.Mutex
	queued []*db.WebhookSubscription
	err    error
}

func (q *fakeQueue) Enqueue(sub *db.WebhookSubscription, n *db.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, sub)
	return nil
}

type fakeBroadcaster struct {
	got []*db.Notification
	err error
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, n *db.Notification) error {
	b.got = append(b.got, n)
	return b.err
}

type denyThrottle struct{ calls int }

func (t *denyThrottle) Allow(ctx context.Context, key string, limit int) (bool, error) {
	t.calls++
	return false, nil
}

var errProvider = errors.New("provider unavailable")

func strPtr(s string) *string { return &s }

func testLogger() *zap.Logger { return zap.NewNop() }
