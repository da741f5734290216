// Package dedup filters notifications before dispatch: near-duplicates are
// dropped and bursts of the same kind are collapsed into one message.
package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
)

const DefaultWindow = 5 * time.Minute

// Sender dispatches a request. *dispatch.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type Deduplicator struct {
	reserver Reserver
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewDeduplicator(reserver Reserver, window time.Duration, logger *zap.Logger) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		reserver: reserver,
		window:   window,
		now:      time.Now,
		logger:   logger,
	}
}

// ShouldSend reserves the request's key for window (the default when
// zero) and reports whether this caller won it. Storage errors fail open.
func (d *Deduplicator) ShouldSend(ctx context.Context, req dispatch.Request, window time.Duration) bool {
	if window <= 0 {
		window = d.window
	}

	ok, err := d.reserver.Reserve(ctx, req.Type, req.Title, req.Message, window, d.now())
	if err != nil {
		d.logger.Warn("dedup reservation failed, sending anyway",
			zap.String("type", req.Type),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		metrics.RecordDedupHit()
		d.logger.Debug("duplicate notification dropped",
			zap.String("type", req.Type),
			zap.String("title", req.Title),
		)
	}
	return ok
}

// SendIfNew dispatches req unless it duplicates one sent within the
// default window. The bool reports whether it was sent.
func (d *Deduplicator) SendIfNew(ctx context.Context, req dispatch.Request, sender Sender) (*dispatch.Result, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	if !d.ShouldSend(ctx, req, 0) {
		return nil, false, nil
	}
	res, err := sender.Send(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// Window returns the default dedup window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}
