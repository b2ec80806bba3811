// Package webhooks turns committed notifications into signed HTTP callbacks through a durable
// outbox.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"dispatchcore/internal/model"
	"dispatchcore/internal/store"

	"github.com/rs/zerolog"
)

// Queue is the outbox half of the store.
type Queue interface {
	EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]store.WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

// Target is one configured receiver. An empty Events list subscribes to everything.
type Target struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Publisher enqueues notifications for every matching target. The worker does the sending.
type Publisher struct {
	Queue   Queue
	Targets []Target
	Log     zerolog.Logger
}

func NewPublisher(q Queue, targets []Target, log zerolog.Logger) *Publisher {
	return &Publisher{Queue: q, Targets: targets, Log: log.With().Str("component", "webhook_publisher").Logger()}
}

type envelope struct {
	ID   string             `json:"id"`
	Type string             `json:"type"`
	TS   string             `json:"ts"`
	Data model.Notification `json:"data"`
}

func (p *Publisher) Dispatch(ctx context.Context, items []model.Notification) {
	if len(p.Targets) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range items {
		body, err := json.Marshal(envelope{ID: n.ID, Type: n.Type, TS: n.CreatedAt.UTC().Format(time.RFC3339), Data: n})
		if err != nil {
			p.Log.Error().Err(err).Str("type", n.Type).Msg("encode webhook payload")
			continue
		}
		for _, t := range p.Targets {
			if !t.wants(n.Type) {
				continue
			}
			if _, err := p.Queue.EnqueueWebhook(ctx, n.Type, t.URL, t.Secret, body); err != nil {
				p.Log.Error().Err(err).Str("type", n.Type).Str("url", t.URL).Msg("enqueue webhook")
			}
		}
	}
}
