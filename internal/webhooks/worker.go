package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"dispatchcore/internal/metrics"
	"dispatchcore/internal/store"

	"github.com/rs/zerolog"
)

type Worker struct {
	Queue       Queue
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Batch       int
	Log         zerolog.Logger
	now         func() time.Time
}

func NewWorker(q Queue, maxAttempts int, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{
		Queue:       q,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Batch:       50,
		Log:         log.With().Str("component", "webhook_worker").Logger(),
		now:         time.Now,
	}
}

// Run polls the outbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	items, err := w.Queue.FetchDueWebhookDeliveries(ctx, w.Batch)
	if err != nil {
		w.Log.Warn().Err(err).Msg("fetch due deliveries")
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	code, latency, err := w.send(ctx, it)
	success := err == nil
	status := "delivered"
	switch {
	case success:
		err = w.Queue.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = "failed"
		w.Log.Warn().Str("delivery_id", it.ID).Str("type", it.EventType).Int("attempts", it.Attempts+1).Err(err).Msg("webhook dead-lettered")
		err = w.Queue.FailWebhookDelivery(ctx, it.ID, err.Error(), code, latency)
	default:
		status = "retry"
		next := w.now().Add(nextBackoff(it.Attempts))
		err = w.Queue.MarkWebhookDelivery(ctx, it.ID, false, &next, err.Error(), code, latency)
	}
	if err != nil {
		w.Log.Error().Err(err).Str("delivery_id", it.ID).Msg("record delivery outcome")
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func (w *Worker) send(ctx context.Context, it store.WebhookDelivery) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-Id", it.ID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(it.Attempts+1))
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, latency, fmt.Errorf("receiver answered %d", resp.StatusCode)
	}
	return resp.StatusCode, latency, nil
}

// nextBackoff doubles from one second per attempt, capped at an hour.
func nextBackoff(attempts int) time.Duration {
	attempts = min(max(attempts, 0), 12)
	return min(time.Second*time.Duration(1<<attempts), time.Hour)
}
