package notify

import (
	"context"
	"time"

	"dispatchcore/internal/model"

	"github.com/rs/zerolog"
)

// Sink receives a batch of committed notifications.
type Sink interface {
	Dispatch(ctx context.Context, items []model.Notification)
}

// Fanout hands every batch to each sink in turn. Sink failures are the sink's problem: a
// notification never fails the operation that produced it.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	out := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

func (f *Fanout) Dispatch(ctx context.Context, items []model.Notification) {
	if len(items) == 0 {
		return
	}
	for _, s := range f.sinks {
		s.Dispatch(ctx, items)
	}
}

// BrokerSink publishes to live subscribers.
type BrokerSink struct {
	Broker  Broker
	Log     zerolog.Logger
	Timeout time.Duration
}

func (s BrokerSink) Dispatch(ctx context.Context, items []model.Notification) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	// the request may already be finishing; publishing must not depend on it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	for _, n := range items {
		if err := s.Broker.Publish(ctx, n); err != nil {
			s.Log.Warn().Err(err).Str("type", n.Type).Str("topic", n.Topic()).Msg("broker publish failed")
		}
	}
}

// LogSink writes every notification to the log at debug level.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Dispatch(_ context.Context, items []model.Notification) {
	for _, n := range items {
		s.Log.Debug().Str("id", n.ID).Str("type", n.Type).Str("route_id", n.RouteID).
			Str("journey_id", n.JourneyID).Str("stop_id", n.StopID).Msg("notification")
	}
}
