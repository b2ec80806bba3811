// Package eta turns leg durations into per-stop times and shifts them when reality deviates.
package eta

import (
	"errors"
	"fmt"
	"time"

	"dispatchcore/internal/model"
)

var ErrLegMismatch = errors.New("leg count must be stop count plus the depot return")

// StopTimes is the projected arrival and departure of one stop.
type StopTimes struct {
	Arrival   model.TimeOfDay
	Departure model.TimeOfDay
}

type Projection struct {
	Stops      []StopTimes
	EndArrival model.TimeOfDay
	// DayOffset counts whole days the unclamped chain ran past midnight. Logged only.
	DayOffset int
	// Clamped is set when at least one time was clamped to 23:59:59.
	Clamped bool
	// Total is the unclamped time from start to depot arrival.
	Total time.Duration
}

// Project walks the stop sequence once: arrival[i] = departure[i-1] + legs[i] and
// departure[i] = arrival[i] + service[i]. legs has one extra entry for the depot return.
func Project(start model.TimeOfDay, legs, service []time.Duration) (Projection, error) {
	if len(legs) != len(service)+1 {
		return Projection{}, fmt.Errorf("project %d stops with %d legs: %w", len(service), len(legs), ErrLegMismatch)
	}
	p := Projection{Stops: make([]StopTimes, len(service))}
	abs := int64(start.Seconds())
	store := func(sec int64) model.TimeOfDay {
		t, of := model.ClampSeconds(sec)
		if of == model.ClampedEndOfDay {
			p.Clamped = true
		}
		return t
	}
	for i := range service {
		abs += int64(legs[i] / time.Second)
		p.Stops[i].Arrival = store(abs)
		abs += int64(service[i] / time.Second)
		p.Stops[i].Departure = store(abs)
	}
	abs += int64(legs[len(legs)-1] / time.Second)
	p.EndArrival = store(abs)
	p.DayOffset = int(abs / (24 * 3600))
	p.Total = time.Duration(abs-int64(start.Seconds())) * time.Second
	return p, nil
}

// FallbackLegs builds the fixed estimate used when the routing collaborator is unavailable:
// perLeg for every stop and depotReturn for the final leg.
func FallbackLegs(stops int, perLeg, depotReturn time.Duration) []time.Duration {
	legs := make([]time.Duration, stops+1)
	for i := 0; i < stops; i++ {
		legs[i] = perLeg
	}
	legs[stops] = depotReturn
	return legs
}
