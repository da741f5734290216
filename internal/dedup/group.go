package dedup

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
)

const (
	DefaultGroupWindow = time.Minute
	groupedPrefix      = "[Grouped] "
)

type GroupResult struct {
	GroupedCount int                `json:"grouped_count"`
	SentCount    int                `json:"sent_count"`
	FailedCount  int                `json:"failed_count"`
	Results      []*dispatch.Result `json:"results"`
}

type Grouper struct {
	sender Sender
	logger *zap.Logger
}

func NewGrouper(sender Sender, logger *zap.Logger) *Grouper {
	return &Grouper{sender: sender, logger: logger}
}

type group struct {
	key     string
	first   time.Time
	members []dispatch.Request
}

// partition splits reqs by type:severity in first-appearance order. A
// member whose OccurredAt is more than window from its group's first
// member starts a new group for the same key.
func partition(reqs []dispatch.Request, window time.Duration) []*group {
	var groups []*group
	open := map[string]*group{}

	for _, r := range reqs {
		sev := r.Severity
		if sev == "" {
			sev = db.SeverityInfo
		}
		key := r.Type + ":" + sev

		g, ok := open[key]
		if ok && r.OccurredAt != nil && !g.first.IsZero() {
			gap := r.OccurredAt.Sub(g.first)
			if gap < 0 {
				gap = -gap
			}
			if gap > window {
				ok = false
			}
		}
		if !ok {
			g = &group{key: key}
			if r.OccurredAt != nil {
				g.first = *r.OccurredAt
			}
			groups = append(groups, g)
			open[key] = g
		}
		g.members = append(g.members, r)
	}
	return groups
}

// collapse merges a multi-member group into one request.
func collapse(members []dispatch.Request) dispatch.Request {
	first := members[0]

	var b strings.Builder
	fmt.Fprintf(&b, "%d similar notifications:", len(members))
	var channels []string
	for _, m := range members {
		b.WriteString("\n- ")
		b.WriteString(m.Title)
		for _, ch := range m.Channels {
			if !slices.Contains(channels, ch) {
				channels = append(channels, ch)
			}
		}
	}

	out := dispatch.Request{
		Type:     first.Type,
		Title:    groupedPrefix + first.Title,
		Message:  b.String(),
		Severity: first.Severity,
		Channels: channels,
		Metadata: map[string]any{
			"grouped":       true,
			"originalCount": len(members),
		},
	}
	out.PlantID = shared(members, func(r dispatch.Request) *string { return r.PlantID })
	out.SensorID = shared(members, func(r dispatch.Request) *string { return r.SensorID })
	out.RoomID = shared(members, func(r dispatch.Request) *string { return r.RoomID })
	out.UserID = shared(members, func(r dispatch.Request) *string { return r.UserID })
	return out
}

// shared returns the field value when every member has the same one.
func shared(members []dispatch.Request, field func(dispatch.Request) *string) *string {
	v := field(members[0])
	if v == nil {
		return nil
	}
	for _, m := range members[1:] {
		o := field(m)
		if o == nil || *o != *v {
			return nil
		}
	}
	return v
}

// GroupAndSend sends one notification per group: singletons unchanged,
// larger groups collapsed. A failed send is logged and counted, and the
// remaining groups are still sent.
func (g *Grouper) GroupAndSend(ctx context.Context, reqs []dispatch.Request, window time.Duration) (*GroupResult, error) {
	if window <= 0 {
		window = DefaultGroupWindow
	}

	res := &GroupResult{Results: []*dispatch.Result{}}
	for _, grp := range partition(reqs, window) {
		req := grp.members[0]
		if n := len(grp.members); n > 1 {
			req = collapse(grp.members)
			res.GroupedCount += n
			metrics.RecordGrouped(n)
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, err := g.sender.Send(ctx, req)
		if err != nil {
			res.FailedCount++
			g.logger.Warn("grouped send failed",
				zap.String("group", grp.key),
				zap.Int("members", len(grp.members)),
				zap.Error(err),
			)
			continue
		}
		res.SentCount++
		res.Results = append(res.Results, out)
	}

	g.logger.Info("grouped notifications sent",
		zap.Int("input", len(reqs)),
		zap.Int("sent", res.SentCount),
		zap.Int("grouped", res.GroupedCount),
	)
	return res, nil
}
