package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// ErrValidation marks input the registry refuses to store.
var ErrValidation = errors.New("validation error")

const maxRetryCount = 10

type CreateInput struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Secret      string   `json:"secret,omitempty"`
	Events      []string `json:"events"`
	RetryCount  int      `json:"retry_count,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
	ChannelKind string   `json:"channel_kind,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
}

// UpdateInput carries the fields to change; nil means unchanged.
type UpdateInput struct {
	Name        *string  `json:"name,omitempty"`
	URL         *string  `json:"url,omitempty"`
	Secret      *string  `json:"secret,omitempty"`
	Events      []string `json:"events,omitempty"`
	RetryCount  *int     `json:"retry_count,omitempty"`
	TimeoutMS   *int     `json:"timeout_ms,omitempty"`
	ChannelKind *string  `json:"channel_kind,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
}

// Pinger sends verification deliveries.
type Pinger interface {
	Ping(ctx context.Context, sub *db.WebhookSubscription) (*db.WebhookDelivery, error)
	EnqueuePing(sub *db.WebhookSubscription) error
}

type Registry struct {
	store  Store
	pinger Pinger
	logger *zap.Logger
}

func NewRegistry(store Store, pinger Pinger, logger *zap.Logger) *Registry {
	return &Registry{store: store, pinger: pinger, logger: logger}
}

// Create validates and stores a subscription, then fires a verification
// ping in the background. A failed ping does not fail creation.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*db.WebhookSubscription, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, err
	}

	sub := &db.WebhookSubscription{
		Name:        name,
		URL:         in.URL,
		Secret:      in.Secret,
		Events:      events,
		ChannelKind: db.KindGeneric,
		Enabled:     true,
		RetryCount:  db.DefaultWebhookRetryCount,
		TimeoutMS:   int(db.DefaultWebhookTimeout.Milliseconds()),
	}
	if in.ChannelKind != "" {
		sub.ChannelKind = in.ChannelKind
	}
	if in.RetryCount != 0 {
		sub.RetryCount = in.RetryCount
	}
	if in.TimeoutMS != 0 {
		sub.TimeoutMS = in.TimeoutMS
	}
	if in.Enabled != nil {
		sub.Enabled = *in.Enabled
	}
	if err := validateSettings(sub); err != nil {
		return nil, err
	}

	if sub.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return nil, err
		}
		sub.Secret = secret
	}

	if err := r.store.CreateWebhook(ctx, sub); err != nil {
		return nil, err
	}

	if sub.Enabled {
		ping := *sub
		if err := r.pinger.EnqueuePing(&ping); err != nil {
			r.logger.Warn("verification ping not sent", zap.Error(err), zap.String("webhook_id", sub.ID.String()))
		}
	}
	return sub, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	return r.store.GetWebhook(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*db.WebhookSubscription, error) {
	return r.store.ListWebhooks(ctx)
}

// Update applies in to the stored subscription. A changed URL is
// revalidated.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*db.WebhookSubscription, error) {
	sub, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrValidation)
		}
		sub.Name = name
	}
	if in.URL != nil && *in.URL != sub.URL {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
		sub.URL = *in.URL
		sub.IsVerified = false
	}
	if in.Secret != nil {
		sub.Secret = *in.Secret
	}
	if in.Events != nil {
		events, err := normalizeEvents(in.Events)
		if err != nil {
			return nil, err
		}
		sub.Events = events
	}
	if in.RetryCount != nil {
		sub.RetryCount = *in.RetryCount
	}
	if in.TimeoutMS != nil {
		sub.TimeoutMS = *in.TimeoutMS
	}
	if in.ChannelKind != nil {
		sub.ChannelKind = *in.ChannelKind
	}
	if in.Enabled != nil {
		sub.Enabled = *in.Enabled
	}
	if err := validateSettings(sub); err != nil {
		return nil, err
	}

	if err := r.store.UpdateWebhook(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	return r.store.DeleteWebhook(ctx, id)
}

// Test sends a verification ping now and returns its delivery record.
func (r *Registry) Test(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error) {
	sub, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.pinger.Ping(ctx, sub)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must be http or https", ErrValidation)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url must include a host", ErrValidation)
	}
	return nil
}

func normalizeEvents(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, ev := range in {
		ev = strings.TrimSpace(ev)
		if ev == "" || seen[ev] {
			continue
		}
		seen[ev] = true
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrValidation)
	}
	return out, nil
}

func validateSettings(sub *db.WebhookSubscription) error {
	switch sub.ChannelKind {
	case db.KindGeneric, db.KindDiscord, db.KindSlack:
	default:
		return fmt.Errorf("%w: unknown channel kind %q", ErrValidation, sub.ChannelKind)
	}
	if sub.RetryCount < 1 || sub.RetryCount > maxRetryCount {
		return fmt.Errorf("%w: retry_count must be between 1 and %d", ErrValidation, maxRetryCount)
	}
	if sub.TimeoutMS < db.MinWebhookTimeoutMS || sub.TimeoutMS > db.MaxWebhookTimeoutMS {
		return fmt.Errorf("%w: timeout_ms must be between %d and %d",
			ErrValidation, db.MinWebhookTimeoutMS, db.MaxWebhookTimeoutMS)
	}
	return nil
}
