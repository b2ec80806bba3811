package model

import (
	"sort"
	"time"
)

// Core route domain types.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TimeWindow is an inclusive arrival interval.
type TimeWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// Contains reports whether t falls inside the window, bounds included.
func (w TimeWindow) Contains(t TimeOfDay) bool { return t >= w.Start && t <= w.End }

type PositionClass string

const (
	PositionFixedFirst PositionClass = "fixed_first"
	PositionFree       PositionClass = "free"
	PositionFixedLast  PositionClass = "fixed_last"
)

func (p PositionClass) Valid() bool {
	switch p {
	case PositionFixedFirst, PositionFree, PositionFixedLast:
		return true
	}
	return false
}

// DepotStopID identifies the synthetic depot-return entry that always closes a route.
const DepotStopID = "depot"

type Stop struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	Location         GeoPoint      `json:"location"`
	Position         PositionClass `json:"positionClass"`
	TimeWindow       *TimeWindow   `json:"timeWindow,omitempty"`
	CustomerWindow   *TimeWindow   `json:"customerWindow,omitempty"`
	ServiceMinutes   int           `json:"serviceMinutes"`
	RequireSignature bool          `json:"requireSignature,omitempty"`
	RequirePhoto     bool          `json:"requirePhoto,omitempty"`

	Order           int    `json:"order"`
	Excluded        bool   `json:"excluded,omitempty"`
	ExclusionReason string `json:"exclusionReason,omitempty"`

	EstimatedArrival   TimeOfDay `json:"estimatedArrival"`
	EstimatedDeparture TimeOfDay `json:"estimatedDeparture"`
}

// ResolvedWindow returns the explicit window when set, otherwise the customer default.
func (s *Stop) ResolvedWindow() *TimeWindow {
	if s.TimeWindow != nil {
		return s.TimeWindow
	}
	return s.CustomerWindow
}

func (s *Stop) Service() time.Duration { return time.Duration(s.ServiceMinutes) * time.Minute }

// SetOrder is the only way a stop's position changes. Excluded stops always sit at 0.
func (s *Stop) SetOrder(n int) {
	if s.Excluded || n < 0 {
		n = 0
	}
	s.Order = n
}

// Exclude flags the stop and moves it out of the ordered sequence.
func (s *Stop) Exclude(reason string) {
	s.Excluded = true
	s.ExclusionReason = reason
	s.Order = 0
}

type EndDetails struct {
	EstimatedArrival TimeOfDay `json:"estimatedArrival"`
	DayOffset        int       `json:"dayOffset,omitempty"`
}

type Route struct {
	ID               string     `json:"id"`
	Name             string     `json:"name,omitempty"`
	Version          int        `json:"version"`
	Depot            GeoPoint   `json:"depot"`
	StartTime        TimeOfDay  `json:"startTime"`
	Stops            []Stop     `json:"stops"`
	EndDetails       EndDetails `json:"endDetails"`
	TotalDistanceKm  float64    `json:"totalDistanceKm"`
	TotalDurationMin float64    `json:"totalDurationMin"`
}

// Stop returns a pointer to the stop with the given id, or nil.
func (r *Route) Stop(id string) *Stop {
	for i := range r.Stops {
		if r.Stops[i].ID == id {
			return &r.Stops[i]
		}
	}
	return nil
}

// OrderedStops returns pointers to the non-excluded stops sorted by order. Stops with order 0
// that are not excluded (freshly authored) keep their slice position after the ordered ones.
func (r *Route) OrderedStops() []*Stop {
	out := make([]*Stop, 0, len(r.Stops))
	for i := range r.Stops {
		if !r.Stops[i].Excluded {
			out = append(out, &r.Stops[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		oa, ob := out[a].Order, out[b].Order
		if oa == 0 || ob == 0 {
			return oa != 0 && ob == 0
		}
		return oa < ob
	})
	return out
}

// Renumber assigns dense 1-based orders to the non-excluded stops following their current
// relative order, and 0 to excluded stops. The slice is re-sorted to match.
func (r *Route) Renumber() {
	ordered := r.OrderedStops()
	for i, s := range ordered {
		s.SetOrder(i + 1)
	}
	for i := range r.Stops {
		if r.Stops[i].Excluded {
			r.Stops[i].SetOrder(0)
		}
	}
	sort.SliceStable(r.Stops, func(a, b int) bool {
		oa, ob := r.Stops[a].Order, r.Stops[b].Order
		if oa == 0 || ob == 0 {
			return oa != 0 && ob == 0
		}
		return oa < ob
	})
}

// Planned reports whether every active stop carries projected ETAs, which only an optimize or
// reorder leaves behind. A route with no active stops is not planned.
func (r *Route) Planned() bool {
	ordered := r.OrderedStops()
	for _, s := range ordered {
		if s.EstimatedArrival == 0 && s.EstimatedDeparture == 0 {
			return false
		}
	}
	return len(ordered) > 0
}

// HasWindows reports whether any active stop carries a resolved time window.
func (r *Route) HasWindows() bool {
	for i := range r.Stops {
		if !r.Stops[i].Excluded && r.Stops[i].ResolvedWindow() != nil {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that stores can hand out values without aliasing.
func (r Route) Clone() Route {
	out := r
	out.Stops = make([]Stop, len(r.Stops))
	for i, s := range r.Stops {
		if s.TimeWindow != nil {
			w := *s.TimeWindow
			s.TimeWindow = &w
		}
		if s.CustomerWindow != nil {
			w := *s.CustomerWindow
			s.CustomerWindow = &w
		}
		out.Stops[i] = s
	}
	return out
}
