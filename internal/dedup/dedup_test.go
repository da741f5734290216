package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/redis"
)

// uniqueKeys mimics the notification_dedup unique index.
type uniqueKeys struct {
	mu     sync.Mutex
	keys   map[string]time.Time
	err    error
	pruned time.Time
}

func newUniqueKeys() *uniqueKeys {
	return &uniqueKeys{keys: map[string]time.Time{}}
}

func (u *uniqueKeys) ReserveDedupKey(ctx context.Context, typ, title, message string, bucket int64) (bool, error) {
	if u.err != nil {
		return false, u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	k := fmt.Sprintf("%s\x00%s\x00%s\x00%d", typ, title, message, bucket)
	if _, ok := u.keys[k]; ok {
		return false, nil
	}
	u.keys[k] = time.Now()
	return true, nil
}

func (u *uniqueKeys) PruneDedupKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	u.pruned = cutoff
	return 0, nil
}

type countingSender struct {
	calls atomic.Int32
	reqs  []dispatch.Request
	mu    sync.Mutex
	fail  map[string]bool
}

func (s *countingSender) Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	fail := s.fail[req.Title]
	s.mu.Unlock()
	if fail {
		return nil, errors.New("dispatch failed")
	}
	return &dispatch.Result{Notification: &db.Notification{Type: req.Type, Title: req.Title, Metadata: req.Metadata}}, nil
}

var clock = time.Date(2026, 7, 1, 10, 2, 0, 0, time.UTC)

func newTestDeduplicator(r Reserver) *Deduplicator {
	d := NewDeduplicator(r, 0, zap.NewNop())
	d.now = func() time.Time { return clock }
	return d
}

func sample() dispatch.Request {
	return dispatch.Request{
		Type:     db.TypeSensorThreshold,
		Title:    "pH out of range",
		Message:  "Reservoir pH 7.4",
		Severity: db.SeverityWarning,
	}
}

func TestShouldSend_SecondCallWithinWindowIsDuplicate(t *testing.T) {
	d := newTestDeduplicator(NewPostgresReserver(newUniqueKeys()))
	ctx := context.Background()

	if !d.ShouldSend(ctx, sample(), 0) {
		t.Fatal("first call should send")
	}
	d.now = func() time.Time { return clock.Add(2 * time.Minute) }
	if d.ShouldSend(ctx, sample(), 0) {
		t.Fatal("identical notification within 5 minutes should be dropped")
	}

	other := sample()
	other.Message = "Reservoir pH 7.6"
	if !d.ShouldSend(ctx, other, 0) {
		t.Fatal("different message is not a duplicate")
	}
}

func TestShouldSend_NextWindowSendsAgain(t *testing.T) {
	d := newTestDeduplicator(NewPostgresReserver(newUniqueKeys()))
	ctx := context.Background()

	d.ShouldSend(ctx, sample(), 0)
	d.now = func() time.Time { return clock.Add(DefaultWindow) }
	if !d.ShouldSend(ctx, sample(), 0) {
		t.Fatal("a new window should allow the notification again")
	}
}

func TestShouldSend_FailsOpen(t *testing.T) {
	keys := newUniqueKeys()
	keys.err = db.ErrSchemaNotReady
	d := newTestDeduplicator(NewPostgresReserver(keys))

	for i := 0; i < 2; i++ {
		if !d.ShouldSend(context.Background(), sample(), 0) {
			t.Fatal("reservation errors should not block sending")
		}
	}
}

// The old check-then-insert design let concurrent callers all pass the
// check. With the key reserved in storage exactly one caller wins.
func TestShouldSend_ConcurrentCallersOneWinner(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	redisReserver := NewRedisReserver(redis.NewDedupStore(redis.Wrap(rdb, zap.NewNop()), zap.NewNop()))

	reservers := map[string]Reserver{
		"postgres": NewPostgresReserver(newUniqueKeys()),
		"redis":    redisReserver,
	}

	for name, r := range reservers {
		t.Run(name, func(t *testing.T) {
			d := newTestDeduplicator(r)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if d.ShouldSend(context.Background(), sample(), 0) {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			if wins.Load() != 1 {
				t.Fatalf("winners = %d, want exactly 1", wins.Load())
			}
		})
	}
}

func TestRedisReserver_TrailingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	d := newTestDeduplicator(NewRedisReserver(redis.NewDedupStore(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())))
	ctx := context.Background()

	if !d.ShouldSend(ctx, sample(), time.Minute) {
		t.Fatal("first call should send")
	}
	if d.ShouldSend(ctx, sample(), time.Minute) {
		t.Fatal("second call should be a duplicate")
	}
	mr.FastForward(61 * time.Second)
	if !d.ShouldSend(ctx, sample(), time.Minute) {
		t.Fatal("key should expire after the window")
	}
}

func TestSendIfNew(t *testing.T) {
	d := newTestDeduplicator(NewPostgresReserver(newUniqueKeys()))
	sender := &countingSender{}
	ctx := context.Background()

	res, sent, err := d.SendIfNew(ctx, sample(), sender)
	if err != nil || !sent || res == nil {
		t.Fatalf("first send: res=%v sent=%v err=%v", res, sent, err)
	}
	res, sent, err = d.SendIfNew(ctx, sample(), sender)
	if err != nil || sent || res != nil {
		t.Fatalf("duplicate: res=%v sent=%v err=%v", res, sent, err)
	}
	if sender.calls.Load() != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", sender.calls.Load())
	}

	if _, _, err := d.SendIfNew(ctx, dispatch.Request{Type: "system"}, sender); !errors.Is(err, dispatch.ErrInvalidRequest) {
		t.Fatalf("invalid request should not reserve a key, got %v", err)
	}
}

func TestBucket(t *testing.T) {
	w := 5 * time.Minute
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if Bucket(base, w) != Bucket(base.Add(w-time.Millisecond), w) {
		t.Error("times inside one window share a bucket")
	}
	if Bucket(base, w) == Bucket(base.Add(w), w) {
		t.Error("next window is a new bucket")
	}
}

func TestPostgresReserver_Prune(t *testing.T) {
	keys := newUniqueKeys()
	p := NewPostgresReserver(keys)
	if _, err := p.Prune(context.Background(), time.Minute, clock); err != nil {
		t.Fatal(err)
	}
	if !keys.pruned.Equal(clock.Add(-2 * time.Minute)) {
		t.Fatalf("cutoff = %v", keys.pruned)
	}
}
