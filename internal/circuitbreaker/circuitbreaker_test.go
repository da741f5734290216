package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/worker"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := Config{
		Name:            "ses",
		MaxFailures:     1,
		RecoveryTimeout: 20 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}
	cb := New(cfg, testLogger())

	cb.Allow()
	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"ses:closed->open", "ses:open->half-open", "ses:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

type mockSender struct {
	sendErr   error
	result    *worker.DeliveryResult
	channel   string
	sendCalls int
}

func (m *mockSender) Send(ctx context.Context, msg *worker.Message) (*worker.DeliveryResult, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	if m.result != nil {
		return m.result, nil
	}
	return &worker.DeliveryResult{Success: true, Channel: msg.Channel, Provider: "mock"}, nil
}

func (m *mockSender) SupportsChannel(channel string) bool {
	return channel == m.channel
}

func testMsg(ch string) *worker.Message {
	return &worker.Message{NotificationID: uuid.New(), Channel: ch}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{channel: "email"}
	ps := NewProtectedSender(mock, New(Config{Name: "test", MaxFailures: 5}, testLogger()), testLogger())

	res, err := ps.Send(context.Background(), testMsg("email"))
	if err != nil || !res.Success {
		t.Fatalf("unexpected: res=%+v err=%v", res, err)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("down"), channel: "email"}
	ps := NewProtectedSender(mock, New(Config{Name: "test", MaxFailures: 2}, testLogger()), testLogger())

	ps.Send(context.Background(), testMsg("email"))
	ps.Send(context.Background(), testMsg("email"))
	mock.sendCalls = 0

	_, err := ps.Send(context.Background(), testMsg("email"))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_UnsuccessfulResultCountsAsFailure(t *testing.T) {
	mock := &mockSender{channel: "sms", result: &worker.DeliveryResult{Success: false, Error: "rejected"}}
	cb := New(Config{Name: "test", MaxFailures: 5}, testLogger())
	ps := NewProtectedSender(mock, cb, testLogger())

	res, err := ps.Send(context.Background(), testMsg("sms"))
	if err != nil || res.Success {
		t.Fatalf("expected unsuccessful result passed through, got res=%+v err=%v", res, err)
	}
	if cb.Stats().TotalFailures != 1 {
		t.Fatal("expected 1 failure")
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	mock := &mockSender{channel: "discord"}
	ps := NewProtectedSender(mock, New(DefaultConfig("t"), testLogger()), testLogger())
	if !ps.SupportsChannel("discord") {
		t.Fatal("should support discord")
	}
	if ps.SupportsChannel("email") {
		t.Fatal("should not support email")
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{channel: "email"}
	cb := New(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	ps := NewProtectedSender(mock, cb, testLogger())
	msg := testMsg("email")

	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.sendErr = errors.New("SES down")
	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), msg)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	mock.sendCalls = 0
	if _, err := ps.Send(context.Background(), msg); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("sender should not be called while open")
	}

	time.Sleep(60 * time.Millisecond)

	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.GetState())
	}
}

func TestTargetSender_BreakersAreIndependent(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("404"), channel: "discord"}
	ts := NewTargetSender(mock, Config{Name: "discord", MaxFailures: 2}, testLogger())

	bad := testMsg("discord")
	bad.TargetID = "bad"
	for i := 0; i < 3; i++ {
		ts.Send(context.Background(), bad)
	}
	if _, err := ts.Send(context.Background(), bad); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("bad target: expected ErrCircuitOpen, got %v", err)
	}

	mock.sendErr = nil
	good := testMsg("discord")
	good.TargetID = "good"
	res, err := ts.Send(context.Background(), good)
	if err != nil || !res.Success {
		t.Fatalf("good target should still send: res=%+v err=%v", res, err)
	}
	if name := ts.Breaker("good").Name(); name != "discord:good" {
		t.Errorf("breaker name = %q", name)
	}
	if ts.Breaker("bad").GetState() != StateOpen || ts.Breaker("good").GetState() != StateClosed {
		t.Error("unexpected breaker states")
	}
}
