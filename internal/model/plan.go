package model

import "time"

// ExclusionPolicy decides what happens to stops the solver could not fit.
type ExclusionPolicy string

const (
	// ExclusionHard removes excluded stops from the route (planner re-plan).
	ExclusionHard ExclusionPolicy = "hard"
	// ExclusionSoft flags excluded stops and keeps them at order 0 (journey already running).
	ExclusionSoft ExclusionPolicy = "soft"
)

func (p ExclusionPolicy) Valid() bool { return p == ExclusionHard || p == ExclusionSoft }

// Metric is the optimisation objective forwarded to collaborators.
type Metric string

const (
	MetricDistance Metric = "distance"
	MetricDuration Metric = "duration"
)

// WindowBound names the violated side of a time window.
type WindowBound string

const (
	BoundStart WindowBound = "start"
	BoundEnd   WindowBound = "end"
)

type OptimizeRequest struct {
	Mode          Metric          `json:"mode,omitempty"`
	AvoidTolls    bool            `json:"avoidTolls,omitempty"`
	PreserveOrder bool            `json:"preserveOrder,omitempty"`
	Exclusion     ExclusionPolicy `json:"exclusion"`
	// StartTime overrides the route's planned start when set.
	StartTime *TimeOfDay `json:"startTime,omitempty"`
}

type ExcludedStop struct {
	StopID   string      `json:"id"`
	Reason   string      `json:"reason"`
	Conflict WindowBound `json:"timeWindowConflict,omitempty"`
}

type OptimizeResult struct {
	Success          bool           `json:"success"`
	OrderedStopIDs   []string       `json:"orderedStopIds"`
	ExcludedStops    []ExcludedStop `json:"excludedStops"`
	TotalDistanceKm  float64        `json:"totalDistanceKm"`
	TotalDurationMin float64        `json:"totalDurationMin"`
	EndDetails       EndDetails     `json:"endDetails"`
	Degraded         bool           `json:"degraded,omitempty"`
}

type StopAssignment struct {
	StopID    string    `json:"stopId"`
	Order     int       `json:"order"`
	Arrival   TimeOfDay `json:"arrival"`
	Departure TimeOfDay `json:"departure"`
}

// RoutePlan is the complete mutation produced by one optimize call. Stores apply it in a
// single transaction.
type RoutePlan struct {
	RouteID          string           `json:"routeId"`
	BaseVersion      int              `json:"baseVersion"`
	Policy           ExclusionPolicy  `json:"policy"`
	Solver           string           `json:"solver"`
	StartTime        TimeOfDay        `json:"startTime"`
	Assignments      []StopAssignment `json:"assignments"`
	Excluded         []ExcludedStop   `json:"excluded"`
	EndArrival       TimeOfDay        `json:"endArrival"`
	DayOffset        int              `json:"dayOffset,omitempty"`
	TotalDistanceKm  float64          `json:"totalDistanceKm"`
	TotalDurationMin float64          `json:"totalDurationMin"`
	Degraded         bool             `json:"degraded,omitempty"`
}

// Result renders the plan as the external optimize result.
func (p RoutePlan) Result() OptimizeResult {
	res := OptimizeResult{
		Success:          true,
		OrderedStopIDs:   make([]string, 0, len(p.Assignments)),
		ExcludedStops:    append([]ExcludedStop{}, p.Excluded...),
		TotalDistanceKm:  p.TotalDistanceKm,
		TotalDurationMin: p.TotalDurationMin,
		EndDetails:       EndDetails{EstimatedArrival: p.EndArrival, DayOffset: p.DayOffset},
		Degraded:         p.Degraded,
	}
	for _, a := range p.Assignments {
		res.OrderedStopIDs = append(res.OrderedStopIDs, a.StopID)
	}
	return res
}

// DeviationRequest carries either a start-time deviation or a stop check-out deviation.
type DeviationRequest struct {
	JourneyID          string     `json:"journeyId"`
	ActualStartTime    *TimeOfDay `json:"actualStartTime,omitempty"`
	StopID             string     `json:"stopId,omitempty"`
	ActualCheckOutTime *TimeOfDay `json:"actualCheckOutTime,omitempty"`
}

// Notification is a post-commit hook. Nothing is delivered until the owning transaction commits.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RouteID   string         `json:"routeId,omitempty"`
	JourneyID string         `json:"journeyId,omitempty"`
	StopID    string         `json:"stopId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Topic is the broker channel key for the notification.
func (n Notification) Topic() string {
	if n.JourneyID != "" {
		return "journey:" + n.JourneyID
	}
	return "route:" + n.RouteID
}
