// Package queue defers dispatch requests until a due time and flushes bulk
// submissions in bounded batches.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultBatchSize   = 10
	DefaultBatchDelay  = time.Second

	baseBackoff = 30 * time.Second
	maxBackoff  = 30 * time.Minute
	staleAfter  = 5 * time.Minute
)

// Store is the persistence the processor needs. *db.Repository satisfies it.
type Store interface {
	CreateScheduled(ctx context.Context, s *db.ScheduledNotification) error
	GetScheduled(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error)
	ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledNotification, error)
	UpdateScheduled(ctx context.Context, s *db.ScheduledNotification) error
	CancelScheduled(ctx context.Context, id uuid.UUID) error
	RequeueStuckScheduled(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Sender dispatches a request. *dispatch.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type QueueOptions struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
}

// QueueResult holds either the immediate dispatch result or the persisted
// schedule.
type QueueResult struct {
	Result    *dispatch.Result          `json:"result,omitempty"`
	Scheduled *db.ScheduledNotification `json:"scheduled,omitempty"`
}

type BulkOptions struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
}

type BulkResult struct {
	Sent    int                `json:"sent"`
	Failed  int                `json:"failed"`
	Results []*dispatch.Result `json:"results"`
}

type Processor struct {
	store     Store
	sender    Sender
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

// NewProcessor builds a Processor; batchSize bounds rows claimed per ProcessDue.
func NewProcessor(store Store, sender Sender, batchSize int, logger *zap.Logger) *Processor {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Processor{
		store:     store,
		sender:    sender,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger,
	}
}

// Queue dispatches req now when ScheduledAt is absent or past, otherwise
// persists it for ProcessDue.
func (p *Processor) Queue(ctx context.Context, req dispatch.Request, opts QueueOptions) (*QueueResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if opts.ScheduledAt == nil || !opts.ScheduledAt.After(p.now()) {
		res, err := p.sender.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return &QueueResult{Result: res}, nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode scheduled request: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	s := &db.ScheduledNotification{
		Payload:     payload,
		ScheduledAt: opts.ScheduledAt.UTC(),
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Status:      db.ScheduledPending,
	}
	if err := p.store.CreateScheduled(ctx, s); err != nil {
		return nil, err
	}
	return &QueueResult{Scheduled: s}, nil
}

// QueueBulk sends reqs in batches: concurrently within a batch, batches
// one after another with a delay between them. Item failures are counted
// and logged.
func (p *Processor) QueueBulk(ctx context.Context, reqs []dispatch.Request, opts BulkOptions) (*BulkResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.DelayBetweenBatches < 0 {
		opts.DelayBetweenBatches = 0
	}

	out := &BulkResult{Results: []*dispatch.Result{}}
	for start := 0; start < len(reqs); start += opts.BatchSize {
		if start > 0 && opts.DelayBetweenBatches > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(opts.DelayBetweenBatches):
			}
		}

		end := min(start+opts.BatchSize, len(reqs))
		batch := reqs[start:end]
		results := make([]*dispatch.Result, len(batch))

		var g errgroup.Group
		for i, req := range batch {
			g.Go(func() error {
				res, err := p.sender.Send(ctx, req)
				if err != nil {
					p.logger.Warn("bulk item failed",
						zap.Int("index", start+i),
						zap.String("type", req.Type),
						zap.Error(err),
					)
					return nil
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			if res == nil {
				out.Failed++
				continue
			}
			out.Sent++
			out.Results = append(out.Results, res)
		}
	}

	p.logger.Info("bulk notifications processed",
		zap.Int("total", len(reqs)),
		zap.Int("sent", out.Sent),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}

// ProcessDue dispatches scheduled notifications whose time has come.
func (p *Processor) ProcessDue(ctx context.Context) error {
	n, err := p.store.RequeueStuckScheduled(ctx, staleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Warn("requeued stuck scheduled notifications", zap.Int64("count", n))
	}

	due, err := p.store.ClaimDueScheduled(ctx, p.now(), p.batchSize)
	if err != nil {
		return err
	}
	for _, s := range due {
		if ctx.Err() != nil {
			// claimed rows go back to scheduled via RequeueStuckScheduled
			return ctx.Err()
		}
		p.fire(ctx, s)
	}
	return nil
}

func (p *Processor) fire(ctx context.Context, s *db.ScheduledNotification) {
	log := p.logger.With(zap.String("scheduled_id", s.ID.String()))

	var req dispatch.Request
	err := json.Unmarshal(s.Payload, &req)
	if err != nil {
		err = fmt.Errorf("decode scheduled request: %w", err)
	}

	var res *dispatch.Result
	if err == nil {
		res, err = p.sender.Send(ctx, req)
	}
	s.Attempts++

	switch {
	case err == nil:
		id := res.Notification.ID
		s.Status = db.ScheduledSent
		s.NotificationID = &id
		s.LastError = nil
		metrics.RecordScheduledProcessed("sent")
		log.Info("scheduled notification sent", zap.String("notification_id", id.String()))

	case s.Attempts >= s.MaxAttempts || errors.Is(err, dispatch.ErrInvalidRequest) || isDecodeError(err):
		msg := err.Error()
		s.Status = db.ScheduledFailed
		s.LastError = &msg
		metrics.RecordScheduledProcessed("failed")
		log.Error("scheduled notification failed", zap.Int("attempts", s.Attempts), zap.Error(err))

	default:
		msg := err.Error()
		s.Status = db.ScheduledPending
		s.ScheduledAt = p.now().Add(backoff(s.Attempts))
		s.LastError = &msg
		metrics.RecordScheduledProcessed("rescheduled")
		log.Warn("scheduled notification rescheduled",
			zap.Int("attempts", s.Attempts),
			zap.Time("next", s.ScheduledAt),
			zap.Error(err),
		)
	}

	if err := p.store.UpdateScheduled(context.WithoutCancel(ctx), s); err != nil {
		log.Error("failed to update scheduled notification", zap.Error(err))
	}
}

// Cancel stops a scheduled notification that has not fired.
func (p *Processor) Cancel(ctx context.Context, id uuid.UUID) error {
	return p.store.CancelScheduled(ctx, id)
}

func (p *Processor) Get(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error) {
	return p.store.GetScheduled(ctx, id)
}

func isDecodeError(err error) bool {
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typeErr)
}

// backoff doubles from 30s per attempt, capped at 30m.
func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
