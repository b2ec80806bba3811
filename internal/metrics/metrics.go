package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Optimizations counts optimize calls by solver mode and outcome
	Optimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_optimizations_total", Help: "Route optimizations by solver mode and result."},
		[]string{"mode", "result"},
	)
	// OptimizeDuration tracks end-to-end plan time
	OptimizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "route_optimize_duration_seconds", Help: "Time spent planning a route.", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10}},
		[]string{"mode"},
	)
	// ExcludedStops counts stops left out by the constrained solver, by exclusion policy
	ExcludedStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_excluded_stops_total", Help: "Stops excluded by time-window conflicts."},
		[]string{"policy"},
	)
	// TwoOptGain records the relative distance saved by local search
	TwoOptGain = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "route_two_opt_gain_ratio", Help: "Fraction of estimated distance removed by 2-opt.", Buckets: []float64{0, .01, .02, .05, .1, .2, .3, .5}},
	)
	// ETAFallbacks counts projections done with fixed leg estimates
	ETAFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "eta_fallback_total", Help: "ETA projections that used fixed leg estimates."},
	)
	// TimeClamps counts times clamped to 23:59:59, by source
	TimeClamps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eta_time_clamped_total", Help: "Computed times clamped to end of day."},
		[]string{"source"},
	)
	// DelayPropagations counts journey ETA shifts by trigger and whether they applied
	DelayPropagations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "journey_delay_propagations_total", Help: "Journey ETA shift attempts."},
		[]string{"trigger", "applied"},
	)
	// StopTransitions counts journey stop status changes
	StopTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "journey_stop_transitions_total", Help: "Journey stop status transitions."},
		[]string{"to", "result"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			Optimizations, OptimizeDuration, ExcludedStops, TwoOptGain,
			ETAFallbacks, TimeClamps, DelayPropagations, StopTransitions,
			WebhookDeliveries, WebhookLatency,
		)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
