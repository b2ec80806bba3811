package model

import "time"

type JourneyStatus string

const (
	JourneyPlanned    JourneyStatus = "planned"
	JourneyInProgress JourneyStatus = "in_progress"
	JourneyFinished   JourneyStatus = "finished"
)

type StopStatus string

const (
	StopPending    StopStatus = "pending"
	StopInProgress StopStatus = "in_progress"
	StopCompleted  StopStatus = "completed"
	StopFailed     StopStatus = "failed"
	StopSkipped    StopStatus = "skipped"
)

// Terminal reports whether no normal transition leaves the status.
func (s StopStatus) Terminal() bool {
	return s == StopCompleted || s == StopFailed || s == StopSkipped
}

// Journey is one execution of a route by one driver on one date.
type Journey struct {
	ID              string        `json:"id"`
	RouteID         string        `json:"routeId"`
	DriverID        string        `json:"driverId"`
	Date            string        `json:"date"`
	Status          JourneyStatus `json:"status"`
	StartTime       TimeOfDay     `json:"startTime"`
	ActualStartTime *TimeOfDay    `json:"actualStartTime,omitempty"`
	DayOffset       int           `json:"dayOffset,omitempty"`
	Stops           []JourneyStop `json:"stops"`
	CreatedAt       time.Time     `json:"createdAt"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
}

type JourneyStop struct {
	StopID string     `json:"stopId"`
	Order  int        `json:"order"`
	Status StopStatus `json:"status"`

	EstimatedArrival           TimeOfDay `json:"estimatedArrival"`
	EstimatedDeparture         TimeOfDay `json:"estimatedDeparture"`
	OriginalEstimatedArrival   TimeOfDay `json:"originalEstimatedArrival"`
	OriginalEstimatedDeparture TimeOfDay `json:"originalEstimatedDeparture"`

	CheckInTime  *TimeOfDay `json:"checkInTime,omitempty"`
	CheckOutTime *TimeOfDay `json:"checkOutTime,omitempty"`

	NewDelayMinutes        int    `json:"newDelayMinutes"`
	CumulativeDelayMinutes int    `json:"cumulativeDelayMinutes"`
	DelayReasonRequired    bool   `json:"delayReasonRequired,omitempty"`
	DelayReason            string `json:"delayReason,omitempty"`
	FailureReason          string `json:"failureReason,omitempty"`
}

// FreezeOriginals captures the baseline ETAs. Values already captured are never overwritten.
func (s *JourneyStop) FreezeOriginals() {
	if s.OriginalEstimatedArrival.IsZero() {
		s.OriginalEstimatedArrival = s.EstimatedArrival
	}
	if s.OriginalEstimatedDeparture.IsZero() {
		s.OriginalEstimatedDeparture = s.EstimatedDeparture
	}
}

// Stop returns the journey stop with the given id, or nil.
func (j *Journey) Stop(stopID string) *JourneyStop {
	for i := range j.Stops {
		if j.Stops[i].StopID == stopID {
			return &j.Stops[i]
		}
	}
	return nil
}

// EffectiveStart is the actual start once anchored, else the planned one.
func (j *Journey) EffectiveStart() TimeOfDay {
	if j.ActualStartTime != nil {
		return *j.ActualStartTime
	}
	return j.StartTime
}

// NewJourney instantiates a journey from the route's current order. Each stop receives its
// first ETA here, so originals are frozen at creation.
func NewJourney(id string, r Route, driverID, date string, createdAt time.Time) Journey {
	j := Journey{
		ID:        id,
		RouteID:   r.ID,
		DriverID:  driverID,
		Date:      date,
		Status:    JourneyPlanned,
		StartTime: r.StartTime,
		CreatedAt: createdAt,
	}
	for _, s := range r.OrderedStops() {
		js := JourneyStop{
			StopID:             s.ID,
			Order:              s.Order,
			Status:             StopPending,
			EstimatedArrival:   s.EstimatedArrival,
			EstimatedDeparture: s.EstimatedDeparture,
		}
		js.FreezeOriginals()
		j.Stops = append(j.Stops, js)
	}
	return j
}

// Clone returns a deep copy.
func (j Journey) Clone() Journey {
	out := j
	if j.ActualStartTime != nil {
		v := *j.ActualStartTime
		out.ActualStartTime = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		out.FinishedAt = &v
	}
	out.Stops = make([]JourneyStop, len(j.Stops))
	for i, s := range j.Stops {
		if s.CheckInTime != nil {
			v := *s.CheckInTime
			s.CheckInTime = &v
		}
		if s.CheckOutTime != nil {
			v := *s.CheckOutTime
			s.CheckOutTime = &v
		}
		out.Stops[i] = s
	}
	return out
}
