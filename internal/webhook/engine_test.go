package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func failingClient(err error) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, err
	})}
}

func newTestEngine(store Store, client *http.Client) *Engine {
	return NewEngine(store, EngineConfig{
		ProductName: "CannaAI",
		Client:      client,
		Now:         func() time.Time { return fixedNow },
	}, testLogger())
}

func seedWebhook(store *memStore, url string) *db.WebhookSubscription {
	sub := &db.WebhookSubscription{
		Name:        "grow-room",
		URL:         url,
		Secret:      "topsecret",
		Events:      []string{db.TypeSensorThreshold},
		ChannelKind: db.KindGeneric,
		Enabled:     true,
		RetryCount:  3,
		TimeoutMS:   5000,
	}
	store.CreateWebhook(context.Background(), sub)
	return sub
}

func seedNotification(store *memStore) *db.Notification {
	n := &db.Notification{
		ID:       uuid.New(),
		Type:     db.TypeSensorThreshold,
		Title:    "Humidity high",
		Message:  "Room 2 humidity at 78%",
		Severity: db.SeverityWarning,
		Metadata: map[string]any{"room": "2"},
	}
	store.notifications[n.ID] = n
	return n
}

func TestBuildPayload_WireShape(t *testing.T) {
	n := &db.Notification{
		ID:       uuid.MustParse("6f1c1c3e-8d1a-4c57-9d61-1b3f3c2b9a10"),
		Type:     db.TypePlantHealth,
		Title:    "Leaf spots",
		Message:  "Possible calcium deficiency",
		Severity: db.SeverityCritical,
	}

	payload, err := BuildPayload(n, n.Type, fixedNow)
	if err != nil {
		t.Fatal(err)
	}

	want := `{"id":"6f1c1c3e-8d1a-4c57-9d61-1b3f3c2b9a10","event":"plant_health","timestamp":"2026-03-14T09:26:53.589Z",` +
		`"data":{"id":"6f1c1c3e-8d1a-4c57-9d61-1b3f3c2b9a10","type":"plant_health","title":"Leaf spots",` +
		`"message":"Possible calcium deficiency","severity":"critical","metadata":{}}}`
	if string(payload) != want {
		t.Fatalf("payload mismatch\n got: %s\nwant: %s", payload, want)
	}
}

func TestSchedule_Success(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(strings.Repeat("x", 1500)))
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)
	engine := newTestEngine(store, srv.Client())

	d, err := engine.Schedule(context.Background(), sub, n)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if d.Status != db.DeliverySuccess {
		t.Fatalf("status = %s, want success", d.Status)
	}
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if d.ResponseCode == nil || *d.ResponseCode != http.StatusAccepted {
		t.Errorf("response code = %v", d.ResponseCode)
	}
	if d.ResponseBody == nil || len(*d.ResponseBody) != maxResponseBody {
		t.Errorf("response body should be truncated to %d chars", maxResponseBody)
	}
	if d.DeliveredAt == nil || d.SentAt == nil {
		t.Error("sent_at and delivered_at should be set")
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ev := gotHeaders.Get("X-Webhook-Event"); ev != db.TypeSensorThreshold {
		t.Errorf("X-Webhook-Event = %q", ev)
	}
	if id := gotHeaders.Get("X-Webhook-ID"); id != d.ID.String() {
		t.Errorf("X-Webhook-ID = %q, want delivery id", id)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != "CannaAI-Webhook/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
	if !Verify(gotBody, gotHeaders.Get("X-Webhook-Signature"), "topsecret") {
		t.Error("signature should verify against the exact body bytes")
	}

	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatal(err)
	}
	if env.Data.Title != n.Title || env.Event != n.Type || env.Data.Metadata["room"] != "2" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	stored := store.webhook(sub.ID)
	if !stored.IsVerified || stored.LastUsed == nil {
		t.Error("successful delivery should verify the webhook and set last_used")
	}
}

func TestDeliver_NoSignatureWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Webhook-Signature")
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	sub.Secret = ""
	n := seedNotification(store)

	if _, err := newTestEngine(store, srv.Client()).Schedule(context.Background(), sub, n); err != nil {
		t.Fatal(err)
	}
	if sig != "" {
		t.Fatalf("unexpected signature header %q", sig)
	}
}

func TestDeliver_NetworkTimeoutRetries(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")
	n := seedNotification(store)
	engine := newTestEngine(store, failingClient(errors.New("network timeout")))

	d, err := engine.Schedule(context.Background(), sub, n)
	if err != nil {
		t.Fatal(err)
	}

	if d.Status != db.DeliveryRetry {
		t.Fatalf("status = %s, want retry", d.Status)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(fixedNow.Add(5*time.Second)) {
		t.Fatalf("next_retry_at = %v, want now+5s", d.NextRetryAt)
	}
	if d.ErrorMessage == nil || !strings.Contains(*d.ErrorMessage, "network timeout") {
		t.Errorf("error message = %v", d.ErrorMessage)
	}
	if store.delivery(d.ID).Status != db.DeliveryRetry {
		t.Error("retry state should be persisted")
	}
}

func TestDeliver_InvalidHostFails(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")
	n := seedNotification(store)
	engine := newTestEngine(store, failingClient(errors.New("invalid host")))

	d, err := engine.Schedule(context.Background(), sub, n)
	if err != nil {
		t.Fatal(err)
	}

	if d.Status != db.DeliveryFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.NextRetryAt != nil {
		t.Fatalf("next_retry_at should be unset, got %v", d.NextRetryAt)
	}
}

func TestDeliver_Non2xxIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)

	d, err := newTestEngine(store, srv.Client()).Schedule(context.Background(), sub, n)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != db.DeliveryFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.ResponseCode == nil || *d.ResponseCode != http.StatusBadGateway {
		t.Errorf("response code = %v", d.ResponseCode)
	}
	if store.webhook(sub.ID).IsVerified {
		t.Error("failed delivery must not verify the webhook")
	}
}

func TestDeliver_RefusesTerminalDelivery(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")
	engine := newTestEngine(store, failingClient(errors.New("unused")))

	d := &db.WebhookDelivery{ID: uuid.New(), WebhookID: sub.ID, Status: db.DeliverySuccess, Attempts: 1}
	if err := engine.Deliver(context.Background(), sub, d, []byte("{}")); err == nil {
		t.Fatal("expected error delivering a terminal row")
	}
	if d.Attempts != 1 {
		t.Fatalf("attempts changed to %d", d.Attempts)
	}
}

func TestProcessPending_AttemptsAreCapped(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")
	n := seedNotification(store)

	now := fixedNow
	engine := NewEngine(store, EngineConfig{
		Client: failingClient(errors.New("dial tcp: connection refused")),
		Now:    func() time.Time { return now },
	}, testLogger())

	d, err := engine.Schedule(context.Background(), sub, n)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Second)
		if err := engine.ProcessPending(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	got := store.delivery(d.ID)
	if got.Status != db.DeliveryFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != sub.RetryCount {
		t.Fatalf("attempts = %d, want cap %d", got.Attempts, sub.RetryCount)
	}
	if got.ErrorMessage == nil || !strings.HasPrefix(*got.ErrorMessage, reasonMaxAttempts) {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
}

func TestProcessPending_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// drop the connection on the first attempt
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)

	now := fixedNow
	engine := NewEngine(store, EngineConfig{Client: srv.Client(), Now: func() time.Time { return now }}, testLogger())

	d, _ := engine.Schedule(context.Background(), sub, n)
	if d.Status != db.DeliveryRetry {
		t.Fatalf("first attempt status = %s, want retry", d.Status)
	}

	// not due yet
	if err := engine.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.delivery(d.ID).Attempts != 1 {
		t.Fatal("delivery should not be retried before next_retry_at")
	}

	now = now.Add(6 * time.Second)
	if err := engine.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := store.delivery(d.ID)
	if got.Status != db.DeliverySuccess || got.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want success after 2 attempts", got.Status, got.Attempts)
	}
}

func TestProcessPending_DisabledWebhookFails(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")
	n := seedNotification(store)

	nid := n.ID
	d := &db.WebhookDelivery{WebhookID: sub.ID, NotificationID: &nid, EventType: n.Type, Status: db.DeliveryRetry, Attempts: 1}
	store.CreateWebhookDelivery(context.Background(), d)

	sub.Enabled = false
	store.UpdateWebhook(context.Background(), sub)

	engine := newTestEngine(store, failingClient(errors.New("should not be called")))
	if err := engine.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := store.delivery(d.ID)
	if got.Status != db.DeliveryFailed || got.ErrorMessage == nil || *got.ErrorMessage != reasonDisabled {
		t.Fatalf("got status=%s err=%v, want failed/webhook disabled", got.Status, got.ErrorMessage)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts should not change, got %d", got.Attempts)
	}
}

func TestProcessPending_MissingNotificationSkipped(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")

	gone := uuid.New()
	d := &db.WebhookDelivery{WebhookID: sub.ID, NotificationID: &gone, EventType: db.TypeSystem, Status: db.DeliveryPending}
	store.CreateWebhookDelivery(context.Background(), d)

	engine := newTestEngine(store, failingClient(errors.New("should not be called")))
	if err := engine.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := store.delivery(d.ID)
	if got.Status != db.DeliveryPending || got.Attempts != 0 {
		t.Fatalf("got status=%s attempts=%d, want untouched pending", got.Status, got.Attempts)
	}
}

func TestProcessPending_UnlinkedDeliverySkipped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)

	// notification deleted, link nulled by the foreign key
	d := &db.WebhookDelivery{WebhookID: sub.ID, EventType: db.TypeSensorThreshold, Status: db.DeliveryRetry, Attempts: 1}
	store.CreateWebhookDelivery(context.Background(), d)

	if err := newTestEngine(store, srv.Client()).ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 0 {
		t.Fatalf("POSTs = %d, want none for a delivery without its notification", hits.Load())
	}
	got := store.delivery(d.ID)
	if got.Status != db.DeliveryRetry || got.Attempts != 1 {
		t.Fatalf("got status=%s attempts=%d, want untouched retry", got.Status, got.Attempts)
	}
}

func TestProcessPending_RetriesPingAsPing(t *testing.T) {
	var event string
	var env Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event = r.Header.Get("X-Webhook-Event")
		json.NewDecoder(r.Body).Decode(&env)
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	d := &db.WebhookDelivery{WebhookID: sub.ID, EventType: db.TypeWebhookTest, Status: db.DeliveryRetry, Attempts: 1}
	store.CreateWebhookDelivery(context.Background(), d)

	if err := newTestEngine(store, srv.Client()).ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	if event != db.TypeWebhookTest || env.Event != db.TypeWebhookTest {
		t.Fatalf("header event=%q body event=%q, want both %q", event, env.Event, db.TypeWebhookTest)
	}
	if got := store.delivery(d.ID); got.Status != db.DeliverySuccess || got.Attempts != 2 {
		t.Fatalf("got status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestSchedule_RetryPassLeavesInFlightAttemptAlone(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)
	engine := newTestEngine(store, srv.Client())

	type outcome struct {
		d   *db.WebhookDelivery
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := engine.Schedule(context.Background(), sub, n)
		done <- outcome{d, err}
	}()
	<-arrived

	if err := engine.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(release)
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}

	if hits.Load() != 1 {
		t.Fatalf("POSTs = %d, want 1 while the first attempt is in flight", hits.Load())
	}
	got := store.delivery(res.d.ID)
	if got.Status != db.DeliverySuccess || got.Attempts != 1 {
		t.Fatalf("got status=%s attempts=%d, want success after 1 attempt", got.Status, got.Attempts)
	}
}

func TestProcessPending_OverlappingPassesSendOnce(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)
	nid := n.ID
	d := &db.WebhookDelivery{WebhookID: sub.ID, NotificationID: &nid, EventType: n.Type, Status: db.DeliveryRetry, Attempts: 1}
	store.CreateWebhookDelivery(context.Background(), d)

	engine := newTestEngine(store, srv.Client())
	first := make(chan error, 1)
	go func() { first <- engine.ProcessPending(context.Background()) }()
	<-arrived

	if err := engine.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 1 {
		t.Fatalf("POSTs = %d, want 1", hits.Load())
	}
	if got := store.delivery(d.ID); got.Status != db.DeliverySuccess || got.Attempts != 2 {
		t.Fatalf("got status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestDeliver_StaleOutcomeDoesNotOverwrite(t *testing.T) {
	store := newMemStore()
	sub := seedWebhook(store, "https://hooks.example.com/in")
	n := seedNotification(store)
	nid := n.ID

	d := &db.WebhookDelivery{WebhookID: sub.ID, NotificationID: &nid, EventType: n.Type, Status: db.DeliveryPending}
	store.CreateWebhookDelivery(context.Background(), d)
	stale := *d

	// another attempt already landed
	d.Status = db.DeliverySuccess
	d.Attempts = 1
	store.UpdateWebhookDelivery(context.Background(), d, 0)

	engine := newTestEngine(store, failingClient(errors.New("network timeout")))
	err := engine.Deliver(context.Background(), sub, &stale, []byte("{}"))
	if !errors.Is(err, db.ErrStale) {
		t.Fatalf("Deliver = %v, want ErrStale", err)
	}
	if got := store.delivery(d.ID); got.Status != db.DeliverySuccess || got.Attempts != 1 {
		t.Fatalf("stored row changed to status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestPing_ChatKindsUseChatPayload(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	sub.ChannelKind = db.KindDiscord

	d, err := newTestEngine(store, srv.Client()).Ping(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != db.DeliverySuccess {
		t.Fatalf("status = %s", d.Status)
	}
	if body["username"] != "CannaAI" {
		t.Fatalf("expected discord payload, got %v", body)
	}
	if d.NotificationID != nil || d.EventType != db.TypeWebhookTest {
		t.Errorf("ping delivery should carry no notification and the test event")
	}
}

func TestEngine_CloseWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	var served sync.WaitGroup
	served.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Done()
		<-release
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)
	engine := newTestEngine(store, srv.Client())

	if err := engine.Enqueue(sub, n); err != nil {
		t.Fatal(err)
	}
	served.Wait()

	closed := make(chan error, 1)
	go func() { closed <- engine.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := engine.Enqueue(sub, n); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrEngineClosed", err)
	}
}

func TestEngine_CloseDeadlineCancelsInFlight(t *testing.T) {
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := newMemStore()
	sub := seedWebhook(store, srv.URL)
	n := seedNotification(store)
	engine := newTestEngine(store, srv.Client())

	engine.Enqueue(sub, n)
	<-arrived

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := engine.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}

	deliveries, _ := store.ListWebhookDeliveries(context.Background(), sub.ID, 10)
	if len(deliveries) != 1 || deliveries[0].Status != db.DeliveryRetry {
		t.Fatalf("cancelled delivery should be left in retry, got %+v", deliveries)
	}
}
