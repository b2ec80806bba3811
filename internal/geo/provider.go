// Package geo talks to the turn-by-turn routing collaborator.
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchcore/internal/model"
)

var (
	// ErrNoRoute is returned when the provider answers but has no usable route.
	ErrNoRoute = errors.New("routing provider returned no route")
	// ErrUnavailable wraps transport and server failures after retries are exhausted.
	ErrUnavailable = errors.New("routing provider unavailable")
)

// LegsRequest asks for the legs origin -> waypoints... -> destination. A circular tour has
// destination equal to origin, so the depot-return leg comes back in the same call.
type LegsRequest struct {
	Origin        model.GeoPoint   `json:"origin"`
	Destination   model.GeoPoint   `json:"destination"`
	Waypoints     []model.GeoPoint `json:"waypoints"`
	OptimizeOrder bool             `json:"optimizeOrder"`
	AvoidTolls    bool             `json:"avoidTolls"`
	Metric        model.Metric     `json:"metric,omitempty"`
	DepartureTime *time.Time       `json:"departureTime,omitempty"`
}

type Leg struct {
	DurationSec float64 `json:"durationSec"`
	DistanceM   float64 `json:"distanceM"`
}

func (l Leg) Duration() time.Duration { return time.Duration(l.DurationSec * float64(time.Second)) }

// LegsResult has one leg per consecutive pair of visited points, in visiting order.
// WaypointOrder is set when OptimizeOrder was requested: WaypointOrder[k] is the index into
// the request's Waypoints visited k-th.
type LegsResult struct {
	Legs          []Leg  `json:"legs"`
	WaypointOrder []int  `json:"waypointOrder,omitempty"`
	Polyline      string `json:"polyline,omitempty"`
}

func (r LegsResult) TotalDistanceKm() float64 {
	total := 0.0
	for _, l := range r.Legs {
		total += l.DistanceM
	}
	return total / 1000
}

func (r LegsResult) TotalDuration() time.Duration {
	var total time.Duration
	for _, l := range r.Legs {
		total += l.Duration()
	}
	return total
}

// Provider is the routing collaborator contract.
type Provider interface {
	GetLegs(ctx context.Context, req LegsRequest) (LegsResult, error)
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}
