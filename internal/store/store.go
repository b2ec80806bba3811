package store

import (
	"context"
	"errors"
	"time"

	"dispatchcore/internal/model"
)

// Store is the persistence boundary. Every mutating method is atomic: it either commits all of
// its writes or none.
type Store interface {
	// Routes
	SaveRoute(ctx context.Context, r model.Route) (model.Route, error)
	GetRoute(ctx context.Context, id string) (model.Route, error)
	// ApplyRoutePlan writes a complete optimize result (order, ETAs, exclusions, end details).
	ApplyRoutePlan(ctx context.Context, plan model.RoutePlan) (model.Route, error)

	// Journeys
	CreateJourney(ctx context.Context, j model.Journey) error
	GetJourney(ctx context.Context, id string) (model.Journey, error)
	// UpdateJourney runs fn on the current journey and persists the result only if fn succeeds.
	UpdateJourney(ctx context.Context, id string, fn func(j *model.Journey) error) (model.Journey, error)
	DeleteJourney(ctx context.Context, id string) error

	// Webhook outbox
	EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type WebhookDelivery struct {
	ID        string
	EventType string
	URL       string
	Secret    string
	Payload   []byte
	Status    string
	Attempts  int
}
