package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

var severityColors = map[string]int{
	db.SeverityInfo:      0x3498db,
	db.SeverityWarning:   0xf39c12,
	db.SeverityCritical:  0xe74c3c,
	db.SeverityEmergency: 0x991111,
}

// SeverityColor maps a severity to its embed color; unknown falls back to info.
func SeverityColor(severity string) int {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return severityColors[db.SeverityInfo]
}

type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type DiscordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []DiscordField `json:"fields"`
}

type DiscordPayload struct {
	Username string         `json:"username"`
	Embeds   []DiscordEmbed `json:"embeds"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackPayload struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments"`
}

type chatField struct {
	name, value string
}

// chatFields lists Type and Severity followed by metadata in key order.
func chatFields(msg *Message) []chatField {
	fields := []chatField{
		{"Type", msg.Type},
		{"Severity", msg.Severity},
	}
	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, chatField{k, fmt.Sprint(msg.Metadata[k])})
	}
	return fields
}

// BuildDiscordPayload renders msg as a Discord webhook body.
func BuildDiscordPayload(product string, msg *Message) DiscordPayload {
	var fields []DiscordField
	for _, f := range chatFields(msg) {
		fields = append(fields, DiscordField{Name: f.name, Value: f.value, Inline: true})
	}
	return DiscordPayload{
		Username: product,
		Embeds: []DiscordEmbed{{
			Title:       msg.Subject,
			Description: msg.Body,
			Color:       SeverityColor(msg.Severity),
			Fields:      fields,
		}},
	}
}

// BuildSlackPayload renders msg as a Slack incoming-webhook body.
func BuildSlackPayload(msg *Message) SlackPayload {
	var fields []SlackField
	for _, f := range chatFields(msg) {
		fields = append(fields, SlackField{Title: f.name, Value: f.value, Short: true})
	}
	return SlackPayload{
		Text: fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
		Attachments: []SlackAttachment{{
			Color:  fmt.Sprintf("#%06x", SeverityColor(msg.Severity)),
			Fields: fields,
		}},
	}
}

// ChatSender posts to Discord or Slack incoming webhooks. msg.Target is the
// webhook URL of the subscription being served; msg.Timeout, when set,
// overrides the sender default.
type ChatSender struct {
	kind    string
	product string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

type ChatConfig struct {
	ProductName string
	Timeout     time.Duration
	Client      *http.Client
}

// NewDiscordSender creates the discord channel sender.
func NewDiscordSender(cfg ChatConfig, logger *zap.Logger) *ChatSender {
	return newChatSender(db.ChannelDiscord, cfg, logger)
}

// NewSlackSender creates the slack channel sender.
func NewSlackSender(cfg ChatConfig, logger *zap.Logger) *ChatSender {
	return newChatSender(db.ChannelSlack, cfg, logger)
}

func newChatSender(kind string, cfg ChatConfig, logger *zap.Logger) *ChatSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "CannaAI"
	}
	return &ChatSender{
		kind:    kind,
		product: cfg.ProductName,
		client:  cfg.Client,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (s *ChatSender) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	if msg.Channel != s.kind {
		return nil, fmt.Errorf("%s sender got channel %s", s.kind, msg.Channel)
	}
	if msg.Target == "" {
		return nil, fmt.Errorf("%s message missing webhook url", s.kind)
	}

	var payload any
	if s.kind == db.ChannelDiscord {
		payload = BuildDiscordPayload(s.product, msg)
	} else {
		payload = BuildSlackPayload(msg)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", s.kind, err)
	}

	timeout := s.timeout
	if msg.Timeout > 0 {
		timeout = msg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", s.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.product+"-Webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", s.kind, err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned non-2xx status: %d, body: %s", s.kind, resp.StatusCode, string(preview))
	}

	s.logger.Info("chat notification delivered",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("channel", s.kind),
		zap.Int("status_code", resp.StatusCode),
	)

	return &DeliveryResult{
		Success:  true,
		Channel:  s.kind,
		Provider: s.kind,
	}, nil
}

func (s *ChatSender) SupportsChannel(channel string) bool {
	return channel == s.kind
}
