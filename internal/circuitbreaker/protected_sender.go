package circuitbreaker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/worker"
)

// ProtectedSender wraps a worker.Sender with a CircuitBreaker. While the
// breaker is open, Send fails fast with ErrCircuitOpen.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send forwards to the wrapped sender when the breaker allows it. A returned
// error or an unsuccessful result both count as failures.
func (p *ProtectedSender) Send(ctx context.Context, msg *worker.Message) (*worker.DeliveryResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", msg.NotificationID.String()),
			zap.String("channel", msg.Channel),
		)
		return nil, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	res, err := p.sender.Send(ctx, msg)
	if err != nil || (res != nil && !res.Success) {
		p.breaker.RecordFailure()
		return res, err
	}

	p.breaker.RecordSuccess()
	return res, nil
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}

// TargetSender keeps a separate breaker per msg.TargetID, so one chat
// subscription that keeps failing does not block the others of its kind.
// Messages without a TargetID share the breaker named cfg.Name.
type TargetSender struct {
	sender worker.Sender
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*ProtectedSender
}

func NewTargetSender(sender worker.Sender, cfg Config, logger *zap.Logger) *TargetSender {
	return &TargetSender{
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*ProtectedSender),
	}
}

func (t *TargetSender) Send(ctx context.Context, msg *worker.Message) (*worker.DeliveryResult, error) {
	return t.forTarget(msg.TargetID).Send(ctx, msg)
}

func (t *TargetSender) SupportsChannel(channel string) bool {
	return t.sender.SupportsChannel(channel)
}

func (t *TargetSender) forTarget(id string) *ProtectedSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.breakers[id]; ok {
		return ps
	}
	cfg := t.cfg
	if id != "" {
		cfg.Name = t.cfg.Name + ":" + id
	}
	ps := NewProtectedSender(t.sender, New(cfg, t.logger), t.logger)
	t.breakers[id] = ps
	return ps
}

// Breaker returns the breaker for a target, or nil if it has not sent yet.
func (t *TargetSender) Breaker(id string) *CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.breakers[id]; ok {
		return ps.breaker
	}
	return nil
}
