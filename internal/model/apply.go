package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStalePlan means the route changed after the plan was computed.
	ErrStalePlan   = errors.New("route changed since plan was computed")
	ErrUnknownStop = errors.New("plan references unknown stop")
)

// ApplyPlan applies a complete optimize result to the route in memory. It either applies
// everything or returns an error with r untouched.
func (r *Route) ApplyPlan(plan RoutePlan) error {
	if plan.RouteID != r.ID {
		return fmt.Errorf("apply plan for route %s to route %s", plan.RouteID, r.ID)
	}
	if plan.BaseVersion != r.Version {
		return fmt.Errorf("apply plan v%d to route %s v%d: %w", plan.BaseVersion, r.ID, r.Version, ErrStalePlan)
	}
	for _, a := range plan.Assignments {
		if r.Stop(a.StopID) == nil {
			return fmt.Errorf("apply plan: assignment %s: %w", a.StopID, ErrUnknownStop)
		}
	}
	for _, e := range plan.Excluded {
		if r.Stop(e.StopID) == nil {
			return fmt.Errorf("apply plan: exclusion %s: %w", e.StopID, ErrUnknownStop)
		}
	}

	for _, a := range plan.Assignments {
		s := r.Stop(a.StopID)
		s.Excluded = false
		s.ExclusionReason = ""
		s.SetOrder(a.Order)
		s.EstimatedArrival = a.Arrival
		s.EstimatedDeparture = a.Departure
	}
	if plan.Policy == ExclusionHard {
		drop := make(map[string]bool, len(plan.Excluded))
		for _, e := range plan.Excluded {
			drop[e.StopID] = true
		}
		kept := r.Stops[:0]
		for _, s := range r.Stops {
			if !drop[s.ID] {
				kept = append(kept, s)
			}
		}
		r.Stops = kept
	} else {
		for _, e := range plan.Excluded {
			s := r.Stop(e.StopID)
			s.Exclude(e.Reason)
			s.EstimatedArrival, s.EstimatedDeparture = 0, 0
		}
	}
	r.Renumber()

	r.StartTime = plan.StartTime
	r.EndDetails = EndDetails{EstimatedArrival: plan.EndArrival, DayOffset: plan.DayOffset}
	r.TotalDistanceKm = plan.TotalDistanceKm
	r.TotalDurationMin = plan.TotalDurationMin
	r.Version++
	return nil
}
