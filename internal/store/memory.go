package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatchcore/internal/model"

	"github.com/google/uuid"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set. Values are cloned on the
// way in and out, so callers never share state with the store.
type Memory struct {
	mu         sync.Mutex
	routes     map[string]model.Route
	journeys   map[string]model.Journey
	deliveries map[string]*memDelivery
	seq        int64
	dlq        []string
}

func NewMemory() *Memory {
	return &Memory{
		routes:     map[string]model.Route{},
		journeys:   map[string]model.Journey{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling state
type memDelivery struct {
	WebhookDelivery
	seq           int64
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) SaveRoute(_ context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if prev, ok := m.routes[r.ID]; ok {
		r.Version = prev.Version + 1
	} else {
		r.Version = 1
	}
	r = r.Clone()
	r.Renumber()
	m.routes[r.ID] = r
	return r.Clone(), nil
}

func (m *Memory) GetRoute(_ context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) ApplyRoutePlan(_ context.Context, plan model.RoutePlan) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.routes[plan.RouteID]
	if !ok {
		return model.Route{}, fmt.Errorf("route %s: %w", plan.RouteID, ErrNotFound)
	}
	next := cur.Clone()
	if err := next.ApplyPlan(plan); err != nil {
		return model.Route{}, err
	}
	m.routes[next.ID] = next
	return next.Clone(), nil
}

func (m *Memory) CreateJourney(_ context.Context, j model.Journey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.journeys[j.ID]; ok {
		return fmt.Errorf("journey %s: %w", j.ID, ErrConflict)
	}
	if _, ok := m.routes[j.RouteID]; !ok {
		return fmt.Errorf("route %s: %w", j.RouteID, ErrNotFound)
	}
	m.journeys[j.ID] = j.Clone()
	return nil
}

func (m *Memory) GetJourney(_ context.Context, id string) (model.Journey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journeys[id]
	if !ok {
		return model.Journey{}, fmt.Errorf("journey %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *Memory) UpdateJourney(_ context.Context, id string, fn func(j *model.Journey) error) (model.Journey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.journeys[id]
	if !ok {
		return model.Journey{}, fmt.Errorf("journey %s: %w", id, ErrNotFound)
	}
	work := cur.Clone()
	if err := fn(&work); err != nil {
		return model.Journey{}, err
	}
	m.journeys[id] = work.Clone()
	return work, nil
}

func (m *Memory) DeleteJourney(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.journeys[id]; !ok {
		return fmt.Errorf("journey %s: %w", id, ErrNotFound)
	}
	delete(m.journeys, id)
	return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(_ context.Context, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.seq++
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		seq:             m.seq,
		NextAttemptAt:   time.Now(),
	}
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(_ context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	due := []*memDelivery{}
	for _, d := range m.deliveries {
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].seq < due[b].seq })
	out := []WebhookDelivery{}
	for _, d := range due {
		out = append(out, d.WebhookDelivery)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(_ context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(_ context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, id)
	return nil
}

// DeliveryStatus reports the status of a queued delivery. Used by tests and admin tooling.
func (m *Memory) DeliveryStatus(id string) (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return "", 0, false
	}
	return d.Status, d.Attempts, true
}
